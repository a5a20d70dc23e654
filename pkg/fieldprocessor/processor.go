// Package fieldprocessor implements the pure, schema-driven transform
// from a JIRA issue JSON map to a target row map. It performs
// no I/O and no network calls of its own; the only collaborator it
// reaches out to is an injected UserMapper for extract_user.
//
// The processor set is a closed registry: each schema entry names one
// of the extract_* variants below, and each variant has a fixed
// null/empty-string convention that downstream consumers depend on.
package fieldprocessor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/practo/klog/v2"
	"github.com/practo/larksync/pkg/config"
)

// Processor names. The set is closed; anything else degrades to
// extract_simple with a warning.
const (
	ExtractSimple        = "extract_simple"
	ExtractNested        = "extract_nested"
	ExtractUser          = "extract_user"
	ConvertDatetime      = "convert_datetime"
	ExtractComponents    = "extract_components"
	ExtractVersions      = "extract_versions"
	ExtractLinks         = "extract_links"
	ExtractLinksFiltered = "extract_links_filtered"
	ExtractTicketLink    = "extract_ticket_link"
)

// UserMapper resolves a raw JIRA user object to the target people-field
// representation. Implemented by pkg/usermapper; declared here as a
// narrow interface so this package stays dependency-free of the
// mapper's storage concerns.
type UserMapper interface {
	MapJiraUser(userObj map[string]interface{}) []map[string]string
}

// TicketLink is the hyperlink contract extract_ticket_link produces.
type TicketLink struct {
	Text string `json:"text"`
	Link string `json:"link"`
}

// Processor transforms the schema's JIRA field configuration into the
// effective field engine used by WorkflowManager and BatchProcessor.
type Processor struct {
	schema         *config.Schema
	jiraServerURL  string
	issueLinkRules map[string]config.IssueLinkRule
	userMapper     UserMapper
}

// New constructs a Processor. userMapper may be nil, in which case
// extract_user always returns an empty list.
func New(schema *config.Schema, jiraServerURL string, issueLinkRules map[string]config.IssueLinkRule, userMapper UserMapper) *Processor {
	return &Processor{
		schema:         schema,
		jiraServerURL:  strings.TrimSuffix(jiraServerURL, "/"),
		issueLinkRules: issueLinkRules,
		userMapper:     userMapper,
	}
}

// issueKeyField is the path that reads the issue envelope's top-level
// key rather than a `fields` entry.
const issueKeyField = "key"

// Process transforms one issue into a target row map. availableFields,
// if non-nil, gates lark_field resolution; excludedFields drops
// matching jira_field_paths before processing.
func (p *Processor) Process(issueKey string, fields map[string]interface{}, availableFields []string, excludedFields []string) map[string]interface{} {
	excluded := make(map[string]bool, len(excludedFields))
	for _, f := range excludedFields {
		excluded[f] = true
	}

	out := make(map[string]interface{}, len(p.schema.FieldMappings))
	for jiraField, mapping := range p.schema.FieldMappings {
		if excluded[jiraField] {
			continue
		}

		larkField, ok := mapping.LarkField.Resolve(availableFields)
		if !ok {
			continue
		}

		var raw interface{}
		if jiraField == issueKeyField {
			raw = issueKey
		} else {
			raw = extractNestedRaw(fields, jiraField)
		}

		out[larkField] = p.apply(mapping.Processor, raw, issueKey, mapping)
	}
	return out
}

// ProcessWithDynamicFields resolves the array form of lark_field
// against availableFields before transforming. Process already performs
// this resolution per-call; this named entry point exists for callers
// that want the dynamic-resolution step visible at the call site.
func (p *Processor) ProcessWithDynamicFields(issueKey string, fields map[string]interface{}, availableFields []string, excludedFields []string) map[string]interface{} {
	return p.Process(issueKey, fields, availableFields, excludedFields)
}

func extractNestedRaw(fields map[string]interface{}, jiraField string) interface{} {
	if !strings.Contains(jiraField, ".") {
		return fields[jiraField]
	}
	parts := strings.Split(jiraField, ".")
	var cur interface{} = fields
	for _, part := range parts {
		if cur == nil {
			return nil
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func (p *Processor) apply(processor string, raw interface{}, issueKey string, mapping config.FieldMapping) interface{} {
	// extract_nested has its own nil convention (empty string); every
	// other processor passes a nil value through as nil.
	if raw == nil && processor != ExtractNested {
		return nil
	}

	switch processor {
	case ExtractSimple:
		return extractSimple(raw)
	case ExtractNested:
		return extractNested(raw, mapping.NestedPath)
	case ExtractUser:
		return p.extractUser(raw)
	case ConvertDatetime:
		return convertDatetime(raw)
	case ExtractComponents:
		return extractNamedList(raw, mapping.FieldType)
	case ExtractVersions:
		return extractNamedList(raw, mapping.FieldType)
	case ExtractLinks:
		return p.extractLinks(raw, mapping.FieldType)
	case ExtractLinksFiltered:
		return p.extractLinksFiltered(raw, issueKey, mapping.FieldType)
	case ExtractTicketLink:
		return p.extractTicketLink(raw)
	default:
		klog.Warningf("unknown processor %q for issue %s, falling back to extract_simple", processor, issueKey)
		return extractSimple(raw)
	}
}

// extractSimple: null passthrough, primitives as-is, objects JSON-
// encoded, everything else string-converted.
func extractSimple(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, float64, int, int64:
		return v
	case map[string]interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// extractNested: value[nestedPath]; null/non-object -> empty string,
// not null. Intentionally inconsistent with extract_simple's null
// passthrough; existing tables contain "" for these fields.
func extractNested(value interface{}, nestedPath string) interface{} {
	if nestedPath == "" {
		return extractSimple(value)
	}
	if value == nil {
		return ""
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		return ""
	}
	v, ok := m[nestedPath]
	if !ok || v == nil {
		return ""
	}
	return v
}

func (p *Processor) extractUser(value interface{}) []map[string]string {
	if value == nil {
		return []map[string]string{}
	}
	userObj, ok := value.(map[string]interface{})
	if !ok {
		return []map[string]string{}
	}
	if p.userMapper == nil {
		return []map[string]string{}
	}
	mapped := p.userMapper.MapJiraUser(userObj)
	if mapped == nil {
		return []map[string]string{}
	}
	return mapped
}

var jiraDatetimeTrailer = regexp.MustCompile(`\.\d{3}[+-]\d{4}$`)

// convertDatetime strips fractional seconds and a trailing offset or
// "Z" before parsing, returning epoch milliseconds, or nil when the
// value does not parse.
func convertDatetime(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}

	clean := jiraDatetimeTrailer.ReplaceAllString(s, "")
	clean = strings.TrimSuffix(clean, "Z")

	layouts := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, clean); err == nil {
			return t.UnixMilli()
		}
	}
	klog.V(4).Infof("datetime conversion failed for %q", s)
	return nil
}

// extractNamedList handles both extract_components and
// extract_versions: same shape `[]{name,...}` -> names, joined or
// listed depending on field_type.
func extractNamedList(value interface{}, fieldType string) interface{} {
	multiselect := fieldType == "multiselect"

	arr, ok := value.([]interface{})
	if !ok || len(arr) == 0 {
		if multiselect {
			return []string{}
		}
		return nil
	}

	var names []string
	for _, item := range arr {
		switch v := item.(type) {
		case map[string]interface{}:
			if name, ok := v["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		case string:
			names = append(names, v)
		}
	}

	if multiselect {
		if names == nil {
			names = []string{}
		}
		return names
	}
	if len(names) == 0 {
		return nil
	}
	return strings.Join(names, ", ")
}

type jiraIssueRef struct {
	Key string
}

func refFromMap(m map[string]interface{}) (jiraIssueRef, bool) {
	key, ok := m["key"].(string)
	if !ok || key == "" {
		return jiraIssueRef{}, false
	}
	return jiraIssueRef{Key: key}, true
}

// extractLinks formats JIRA issuelinks into either a list of linked
// keys (multiselect) or newline-joined "<relation>: <url>" text.
func (p *Processor) extractLinks(value interface{}, fieldType string) interface{} {
	multiselect := fieldType == "multiselect"

	arr, ok := value.([]interface{})
	if !ok || len(arr) == 0 || p.jiraServerURL == "" {
		if multiselect {
			return []string{}
		}
		return nil
	}

	if multiselect {
		var keys []string
		for _, item := range arr {
			link, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if out, ok := link["outwardIssue"].(map[string]interface{}); ok {
				if ref, ok := refFromMap(out); ok {
					keys = append(keys, ref.Key)
				}
			}
			if in, ok := link["inwardIssue"].(map[string]interface{}); ok {
				if ref, ok := refFromMap(in); ok {
					keys = append(keys, ref.Key)
				}
			}
		}
		if keys == nil {
			keys = []string{}
		}
		return keys
	}

	var lines []string
	for _, item := range arr {
		link, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typeInfo, _ := link["type"].(map[string]interface{})
		if out, ok := link["outwardIssue"].(map[string]interface{}); ok {
			if ref, ok := refFromMap(out); ok {
				if relation, _ := typeInfo["outward"].(string); relation != "" {
					lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", relation, p.jiraServerURL, ref.Key))
				}
			}
		}
		if in, ok := link["inwardIssue"].(map[string]interface{}); ok {
			if ref, ok := refFromMap(in); ok {
				if relation, _ := typeInfo["inward"].(string); relation != "" {
					lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", relation, p.jiraServerURL, ref.Key))
				}
			}
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return strings.Join(lines, "\n")
}

var issueKeyPrefix = regexp.MustCompile(`^([A-Z]+)-`)

func keyPrefix(issueKey string) string {
	if issueKey == "" {
		return ""
	}
	m := issueKeyPrefix.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(issueKey)))
	if m == nil {
		return ""
	}
	return m[1]
}

// extractLinksFiltered applies extractLinks but restricted to links
// whose linked-issue prefix is allowed by issue_link_rules for the
// current issue's own prefix, falling back to "default" and then to
// "allow all".
func (p *Processor) extractLinksFiltered(value interface{}, issueKey string, fieldType string) interface{} {
	multiselect := fieldType == "multiselect"

	arr, ok := value.([]interface{})
	if !ok || len(arr) == 0 || p.jiraServerURL == "" {
		if multiselect {
			return []string{}
		}
		return nil
	}

	currentPrefix := keyPrefix(issueKey)
	rule, ok := p.issueLinkRules[currentPrefix]
	if !ok {
		rule, ok = p.issueLinkRules["default"]
	}
	// no rule found means allow-all; an explicitly-disabled rule
	// falls through to unfiltered extract_links too.
	if !ok || !rule.Enabled {
		return p.extractLinks(value, fieldType)
	}
	if len(rule.DisplayLinkPrefixes) == 0 {
		return p.extractLinks(value, fieldType)
	}
	allowed := make(map[string]bool, len(rule.DisplayLinkPrefixes))
	for _, pre := range rule.DisplayLinkPrefixes {
		allowed[pre] = true
	}

	if multiselect {
		var keys []string
		for _, item := range arr {
			link, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if out, ok := link["outwardIssue"].(map[string]interface{}); ok {
				if ref, ok := refFromMap(out); ok && allowed[keyPrefix(ref.Key)] {
					keys = append(keys, ref.Key)
				}
			}
			if in, ok := link["inwardIssue"].(map[string]interface{}); ok {
				if ref, ok := refFromMap(in); ok && allowed[keyPrefix(ref.Key)] {
					keys = append(keys, ref.Key)
				}
			}
		}
		if keys == nil {
			keys = []string{}
		}
		return keys
	}

	var lines []string
	for _, item := range arr {
		link, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		typeInfo, _ := link["type"].(map[string]interface{})
		if out, ok := link["outwardIssue"].(map[string]interface{}); ok {
			if ref, ok := refFromMap(out); ok && allowed[keyPrefix(ref.Key)] {
				if relation, _ := typeInfo["outward"].(string); relation != "" {
					lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", relation, p.jiraServerURL, ref.Key))
				}
			}
		}
		if in, ok := link["inwardIssue"].(map[string]interface{}); ok {
			if ref, ok := refFromMap(in); ok && allowed[keyPrefix(ref.Key)] {
				if relation, _ := typeInfo["inward"].(string); relation != "" {
					lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", relation, p.jiraServerURL, ref.Key))
				}
			}
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return strings.Join(lines, "\n")
}

// extractTicketLink builds the engine's hyperlink contract from any of
// a bare string key, an object with a key/id, or a list whose first
// element is one of those.
func (p *Processor) extractTicketLink(value interface{}) interface{} {
	var issueKey string

	switch v := value.(type) {
	case string:
		issueKey = strings.TrimSpace(v)
	case map[string]interface{}:
		issueKey = stringOrID(v)
	case []interface{}:
		if len(v) > 0 {
			switch first := v[0].(type) {
			case map[string]interface{}:
				issueKey = stringOrID(first)
			default:
				issueKey = fmt.Sprintf("%v", first)
			}
		}
	default:
		issueKey = strings.TrimSpace(fmt.Sprintf("%v", v))
	}

	if issueKey == "" || issueKey == "None" {
		return nil
	}

	return TicketLink{
		Text: issueKey,
		Link: fmt.Sprintf("%s/browse/%s", p.jiraServerURL, issueKey),
	}
}

func stringOrID(m map[string]interface{}) string {
	if k, ok := m["key"].(string); ok && k != "" {
		return k
	}
	if id, ok := m["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := m["id"].(float64); ok {
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}
