package configstore_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowlog/flowlog/configstore"
	"github.com/flowlog/flowlog/internal/status"
)

func jsonValue(version int, body string) []byte {
	return []byte(fmt.Sprintf(`{"version":%d,"body":%q}`, version, body))
}

var _ = Describe("Store", func() {
	var s *configstore.Store

	BeforeEach(func() {
		var err error
		s, err = configstore.Open("", configstore.JSONVersioned, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() { s.Shutdown() })

	It("reports NotFound for a missing key", func() {
		st, _ := s.Get("missing", nil)
		Expect(st).To(Equal(status.NotFound))
	})

	It("creates unconditionally when base_version is nil", func() {
		st, v, _ := s.Update("k", jsonValue(1, "a"), nil)
		Expect(st).To(Equal(status.Ok))
		Expect(v).To(Equal(configstore.Version(1)))
	})

	It("returns UpToDate when the caller's base_version is current", func() {
		s.Update("k", jsonValue(1, "a"), nil)
		base := configstore.Version(1)
		st, _ := s.Get("k", &base)
		Expect(st).To(Equal(status.UpToDate))
	})

	It("performs a successful CAS update", func() {
		s.Update("k", jsonValue(1, "a"), nil)
		base := configstore.Version(1)
		st, v, _ := s.Update("k", jsonValue(2, "b"), &base)
		Expect(st).To(Equal(status.Ok))
		Expect(v).To(Equal(configstore.Version(2)))
	})

	It("rejects a CAS update against a stale base_version with VersionMismatch", func() {
		s.Update("k", jsonValue(1, "a"), nil)
		s.Update("k", jsonValue(2, "b"), versionPtr(1))
		stale := configstore.Version(1)
		st, _, existing := s.Update("k", jsonValue(3, "c"), &stale)
		Expect(st).To(Equal(status.VersionMismatch))
		Expect(existing).NotTo(BeEmpty())
	})

	It("rejects a conditional update against a missing key with NotFound", func() {
		base := configstore.Version(1)
		st, _, _ := s.Update("missing", jsonValue(2, "x"), &base)
		Expect(st).To(Equal(status.NotFound))
	})

	It("retries read_modify_write across a concurrent version bump", func() {
		s.Update("k", jsonValue(1, "a"), nil)

		calls := 0
		st := s.ReadModifyWrite("k", func(cur []byte) (status.Status, []byte) {
			calls++
			if calls == 1 {
				// simulate another writer racing ahead between read and write.
				s.Update("k", jsonValue(2, "concurrent"), versionPtr(1))
			}
			return status.Ok, jsonValue(3, "mine")
		})
		Expect(st).To(Equal(status.Ok))
		Expect(calls).To(BeNumerically(">=", 1))

		final, body := s.Get("k", nil)
		Expect(final).To(Equal(status.Ok))
		Expect(string(body)).To(ContainSubstring("mine"))
	})

	It("GetLatest agrees with Get for the same key", func() {
		s.Update("k", jsonValue(1, "a"), nil)
		st, v := s.GetLatest("k", nil)
		Expect(st).To(Equal(status.Ok))
		Expect(string(v)).To(ContainSubstring("a"))
	})

	It("rejects all operations after Shutdown", func() {
		s2, _ := configstore.Open("", configstore.JSONVersioned, nil)
		s2.Shutdown()
		st, _ := s2.Get("k", nil)
		Expect(st).To(Equal(status.Shutdown))
	})
})

func versionPtr(v configstore.Version) *configstore.Version { return &v }
