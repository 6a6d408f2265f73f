package stores_test

import (
	"testing"

	st "wuyrush.io/linkvault/stores"
	"wuyrush.io/linkvault/stores/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) st.ContentStore {
		return st.NewMemoryStore()
	})
}
