package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("STAFFING_TEST_MODE", "1")
		if os.Getenv("TALKBANK_SECRET") == "" {
			_ = os.Setenv("TALKBANK_SECRET", "test-secret")
		}
		if os.Getenv("PAYOUT_PAYMENT_ACCOUNT_ID") == "" {
			_ = os.Setenv("PAYOUT_PAYMENT_ACCOUNT_ID", "1")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
