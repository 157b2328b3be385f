package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("BANKRECON_TEST_MODE") == "" {
			_ = os.Setenv("BANKRECON_TEST_MODE", "1")
		}
	})
}
