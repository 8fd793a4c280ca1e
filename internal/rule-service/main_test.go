package rule_service

import (
	"os"
	"testing"

	"github.com/gerolf-vent/iptctl/internal/utils/iptables/iptablestest"
)

func TestMain(m *testing.M) {
	iptablestest.RunIfFake()
	os.Exit(m.Run())
}
