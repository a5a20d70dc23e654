package fieldprocessor_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/practo/larksync/pkg/config"
	"github.com/practo/larksync/pkg/fieldprocessor"
)

func mapping(larkField string, processor string) config.FieldMapping {
	return config.FieldMapping{
		LarkField: config.LarkFieldSpec{Values: []string{larkField}},
		Processor: processor,
	}
}

func mappingList(values []string, processor string) config.FieldMapping {
	return config.FieldMapping{
		LarkField: config.LarkFieldSpec{Values: values, IsList: true},
		Processor: processor,
	}
}

type fakeUserMapper struct {
	result []map[string]string
}

func (f *fakeUserMapper) MapJiraUser(map[string]interface{}) []map[string]string {
	return f.result
}

var _ = Describe("Processor", func() {
	var schema *config.Schema

	BeforeEach(func() {
		schema = &config.Schema{FieldMappings: map[string]config.FieldMapping{}}
	})

	Describe("field name resolution", func() {
		It("uses a scalar lark_field when availableFields is nil", func() {
			schema.FieldMappings["summary"] = mapping("Summary", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "https://jira.example.com", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"summary": "hello"}, nil, nil)
			Expect(out).To(HaveKeyWithValue("Summary", "hello"))
		})

		It("drops a scalar mapping absent from availableFields", func() {
			schema.FieldMappings["summary"] = mapping("Summary", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"summary": "hello"}, []string{"Other"}, nil)
			Expect(out).NotTo(HaveKey("Summary"))
		})

		It("picks the first present candidate from a list lark_field", func() {
			schema.FieldMappings["status.name"] = mappingList([]string{"Status (legacy)", "Status"}, fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"status": map[string]interface{}{"name": "Open"}}, []string{"Status"}, nil)
			Expect(out).To(HaveKeyWithValue("Status", "Open"))
		})

		It("drops a list mapping with no present candidate", func() {
			schema.FieldMappings["status.name"] = mappingList([]string{"A", "B"}, fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"status": map[string]interface{}{"name": "Open"}}, []string{"Other"}, nil)
			Expect(out).To(BeEmpty())
		})

		It("honors excluded_fields", func() {
			schema.FieldMappings["summary"] = mapping("Summary", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"summary": "hello"}, nil, []string{"summary"})
			Expect(out).To(BeEmpty())
		})

		It("reads the key path from the issue envelope, not fields", func() {
			schema.FieldMappings["key"] = mapping("Ticket", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-42", map[string]interface{}{}, nil, nil)
			Expect(out).To(HaveKeyWithValue("Ticket", "TP-42"))
		})
	})

	Describe("nested dereference", func() {
		It("walks dotted paths", func() {
			schema.FieldMappings["assignee.displayName"] = mapping("Assignee", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{
				"assignee": map[string]interface{}{"displayName": "Jane Doe"},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out).To(HaveKeyWithValue("Assignee", "Jane Doe"))
		})

		It("returns nil on a missing link in the chain", func() {
			schema.FieldMappings["assignee.displayName"] = mapping("Assignee", fieldprocessor.ExtractSimple)
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{}, nil, nil)
			Expect(out).To(HaveKeyWithValue("Assignee", BeNil()))
		})
	})

	Describe("extract_nested processor", func() {
		It("returns empty string, not nil, for a missing nested_path", func() {
			m := mapping("StatusCategory", fieldprocessor.ExtractNested)
			m.NestedPath = "key"
			schema.FieldMappings["status.statusCategory"] = m
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{
				"status": map[string]interface{}{"statusCategory": nil},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["StatusCategory"]).To(Equal(""))
		})
	})

	Describe("extract_user processor", func() {
		It("returns an empty list with no UserMapper configured", func() {
			schema.FieldMappings["assignee"] = mapping("Assignee", fieldprocessor.ExtractUser)
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{"assignee": map[string]interface{}{"name": "jdoe"}}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Assignee"]).To(Equal([]map[string]string{}))
		})

		It("delegates to the injected UserMapper", func() {
			schema.FieldMappings["assignee"] = mapping("Assignee", fieldprocessor.ExtractUser)
			mapper := &fakeUserMapper{result: []map[string]string{{"id": "ou_123"}}}
			p := fieldprocessor.New(schema, "", nil, mapper)

			fields := map[string]interface{}{"assignee": map[string]interface{}{"name": "jdoe"}}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Assignee"]).To(Equal([]map[string]string{{"id": "ou_123"}}))
		})
	})

	Describe("convert_datetime processor", func() {
		It("parses a JIRA timestamp with millis and offset", func() {
			schema.FieldMappings["created"] = mapping("Created", fieldprocessor.ConvertDatetime)
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{"created": "2025-01-08T03:45:23.000+0000"}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Created"]).To(BeNumerically(">", int64(0)))
		})

		It("returns nil on an unparsable string", func() {
			schema.FieldMappings["created"] = mapping("Created", fieldprocessor.ConvertDatetime)
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{"created": "not-a-date"}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Created"]).To(BeNil())
		})
	})

	Describe("extract_components processor", func() {
		It("joins names with a comma for a text field", func() {
			m := mapping("Components", fieldprocessor.ExtractComponents)
			schema.FieldMappings["components"] = m
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{
				"components": []interface{}{
					map[string]interface{}{"name": "Backend"},
					map[string]interface{}{"name": "API"},
				},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Components"]).To(Equal("Backend, API"))
		})

		It("returns a list of names for a multiselect field", func() {
			m := mapping("Components", fieldprocessor.ExtractComponents)
			m.FieldType = "multiselect"
			schema.FieldMappings["components"] = m
			p := fieldprocessor.New(schema, "", nil, nil)

			fields := map[string]interface{}{
				"components": []interface{}{map[string]interface{}{"name": "Backend"}},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Components"]).To(Equal([]string{"Backend"}))
		})
	})

	Describe("extract_links_filtered processor", func() {
		It("allows all links when display_link_prefixes is empty", func() {
			m := mapping("Links", fieldprocessor.ExtractLinksFiltered)
			schema.FieldMappings["issuelinks"] = m
			rules := map[string]config.IssueLinkRule{
				"TP": {Enabled: true, DisplayLinkPrefixes: nil},
			}
			p := fieldprocessor.New(schema, "https://jira.example.com", rules, nil)

			fields := map[string]interface{}{
				"issuelinks": []interface{}{
					map[string]interface{}{
						"type":         map[string]interface{}{"outward": "blocks"},
						"outwardIssue": map[string]interface{}{"key": "OPS-5"},
					},
				},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Links"]).To(Equal("blocks: https://jira.example.com/browse/OPS-5"))
		})

		It("filters out links whose prefix is not allowed", func() {
			m := mapping("Links", fieldprocessor.ExtractLinksFiltered)
			schema.FieldMappings["issuelinks"] = m
			rules := map[string]config.IssueLinkRule{
				"TP": {Enabled: true, DisplayLinkPrefixes: []string{"TP"}},
			}
			p := fieldprocessor.New(schema, "https://jira.example.com", rules, nil)

			fields := map[string]interface{}{
				"issuelinks": []interface{}{
					map[string]interface{}{
						"type":         map[string]interface{}{"outward": "blocks"},
						"outwardIssue": map[string]interface{}{"key": "OPS-5"},
					},
				},
			}
			out := p.Process("TP-1", fields, nil, nil)
			Expect(out["Links"]).To(BeNil())
		})
	})

	Describe("extract_ticket_link processor", func() {
		It("builds a hyperlink from a bare string key", func() {
			schema.FieldMappings["key"] = mapping("Ticket", fieldprocessor.ExtractTicketLink)
			p := fieldprocessor.New(schema, "https://jira.example.com", nil, nil)

			out := p.Process("TP-7", map[string]interface{}{}, nil, nil)
			Expect(out["Ticket"]).To(Equal(fieldprocessor.TicketLink{
				Text: "TP-7",
				Link: "https://jira.example.com/browse/TP-7",
			}))
		})
	})

	Describe("unknown processor", func() {
		It("falls back to extract_simple", func() {
			schema.FieldMappings["summary"] = mapping("Summary", "not_a_real_processor")
			p := fieldprocessor.New(schema, "", nil, nil)

			out := p.Process("TP-1", map[string]interface{}{"summary": "hello"}, nil, nil)
			Expect(out).To(HaveKeyWithValue("Summary", "hello"))
		})
	})
})
