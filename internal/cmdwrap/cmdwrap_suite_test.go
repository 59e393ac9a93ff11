package cmdwrap_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCmdwrap(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cmdwrap Suite")
}
