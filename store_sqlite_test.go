//go:build sqlite
// +build sqlite

package jobtier_test

import (
	"os"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newSQLiteStore() (*jobtier.SQLiteStore, func()) {
	tmpFile, err := os.CreateTemp("", "test_jobtier_*.db")
	Expect(err).NotTo(HaveOccurred())
	tmpFile.Close()

	store, err := jobtier.NewSQLiteStore(tmpFile.Name(), testLogger())
	Expect(err).NotTo(HaveOccurred())

	return store, func() {
		_ = store.Close()
		_ = os.Remove(tmpFile.Name())
		_ = os.Remove(tmpFile.Name() + "-wal")
		_ = os.Remove(tmpFile.Name() + "-shm")
	}
}

var _ = Describe("SQLiteStore", func() {
	JobStoreTestSuite(func() (jobtier.JobStore, func()) {
		return newSQLiteStore()
	})

	Context("as a message backend", func() {
		QueueTestSuite(func() (jobtier.MessageBackend, func()) {
			return newSQLiteStore()
		})
	})
})
