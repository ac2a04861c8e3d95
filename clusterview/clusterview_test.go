package clusterview_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowlog/flowlog/clusterview"
)

var _ = Describe("View", func() {
	It("reports not-found for an empty view", func() {
		v := clusterview.New(nil)
		_, ok := v.Lookup(1)
		Expect(ok).To(BeFalse())
	})

	It("resyncs a newer snapshot and exposes it via Lookup", func() {
		v := clusterview.New(nil)
		ok := v.Resync(&clusterview.Snapshot{
			Version: 1,
			Nodes:   map[clusterview.NodeIndex]clusterview.Node{1: {Addr: "10.0.0.1:7000", Generation: 1}},
		})
		Expect(ok).To(BeTrue())

		n, found := v.Lookup(1)
		Expect(found).To(BeTrue())
		Expect(n.Addr).To(Equal("10.0.0.1:7000"))
	})

	It("rejects a stale (non-advancing) version", func() {
		v := clusterview.New(nil)
		v.Resync(&clusterview.Snapshot{Version: 5, Nodes: map[clusterview.NodeIndex]clusterview.Node{}})
		ok := v.Resync(&clusterview.Snapshot{Version: 5, Nodes: map[clusterview.NodeIndex]clusterview.Node{}})
		Expect(ok).To(BeFalse())
	})

	It("notifies onChange with added/changed/removed nodes", func() {
		var gotDiff clusterview.Diff
		v := clusterview.New(func(d clusterview.Diff) { gotDiff = d })

		v.Resync(&clusterview.Snapshot{
			Version: 1,
			Nodes: map[clusterview.NodeIndex]clusterview.Node{
				1: {Addr: "a:1", Generation: 1},
				2: {Addr: "b:1", Generation: 1},
			},
		})
		v.Resync(&clusterview.Snapshot{
			Version: 2,
			Nodes: map[clusterview.NodeIndex]clusterview.Node{
				1: {Addr: "a:1", Generation: 2}, // changed
				3: {Addr: "c:1", Generation: 1}, // added
				// 2 removed
			},
		})

		Expect(gotDiff.Added).To(ConsistOf(clusterview.NodeIndex(3)))
		Expect(gotDiff.Changed).To(ConsistOf(clusterview.NodeIndex(1)))
		Expect(gotDiff.Removed).To(ConsistOf(clusterview.NodeIndex(2)))
	})
})
