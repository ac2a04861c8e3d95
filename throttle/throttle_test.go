package throttle_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowlog/flowlog/throttle"
)

var _ = Describe("Throttle", func() {
	It("disables throttling when both bounds are zero", func() {
		th := throttle.New(0, 0)
		th.OnOutcome("peer-a", false)
		Expect(th.MayConnect("peer-a")).To(BeTrue())
	})

	It("blocks immediate reconnects after a failure, then allows after the window", func() {
		th := throttle.New(20*time.Millisecond, time.Second)
		th.OnOutcome("peer-a", false)
		Expect(th.MayConnect("peer-a")).To(BeFalse())
		Eventually(func() bool { return th.MayConnect("peer-a") }, 200*time.Millisecond).Should(BeTrue())
	})

	It("clears backoff on a successful outcome", func() {
		th := throttle.New(time.Hour, time.Hour)
		th.OnOutcome("peer-a", false)
		Expect(th.MayConnect("peer-a")).To(BeFalse())
		th.OnOutcome("peer-a", true)
		Expect(th.MayConnect("peer-a")).To(BeTrue())
	})

	It("caps the backoff at max", func() {
		th := throttle.New(10*time.Millisecond, 30*time.Millisecond)
		for i := 0; i < 5; i++ {
			th.OnOutcome("peer-a", false)
		}
		Eventually(func() bool { return th.MayConnect("peer-a") }, 100*time.Millisecond).Should(BeTrue())
	})

	It("tracks distinct peers independently", func() {
		th := throttle.New(time.Hour, time.Hour)
		th.OnOutcome("peer-a", false)
		Expect(th.MayConnect("peer-a")).To(BeFalse())
		Expect(th.MayConnect("peer-b")).To(BeTrue())
	})
})
