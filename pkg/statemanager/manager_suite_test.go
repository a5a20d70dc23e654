package statemanager_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestStateManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "StateManager Suite")
}
