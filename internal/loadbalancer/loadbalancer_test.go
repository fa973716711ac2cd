package loadbalancer_test

import (
	"math/rand/v2"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
	"github.com/angeloszaimis/redirect-lb/internal/distribution"
	"github.com/angeloszaimis/redirect-lb/internal/loadbalancer"
)

func mustBuild(endpoints ...backend.Endpoint) *distribution.Table {
	t, err := distribution.Build(endpoints)
	if err != nil {
		panic(err)
	}
	return t
}

var _ = Describe("LoadBalancer", func() {
	var lb *loadbalancer.LoadBalancer

	BeforeEach(func() {
		lb = loadbalancer.NewLoadBalancerWithRand(rand.New(rand.NewPCG(7, 11)))
	})

	Describe("NewLoadBalancer", func() {
		It("should start without a table", func() {
			lb = loadbalancer.NewLoadBalancer()
			Expect(lb).NotTo(BeNil())
			Expect(lb.Table()).To(BeNil())
		})
	})

	Describe("Pick", func() {
		It("should fail before a table is published", func() {
			_, err := lb.Pick()
			Expect(err).To(MatchError(loadbalancer.ErrNoTable))
		})

		It("should return a ranked backend", func() {
			lb.Swap(mustBuild(
				backend.Measured("a.example", 80, 10*time.Millisecond),
				backend.Measured("b.example", 80, 5*time.Millisecond),
				backend.Unreachable("c.example", 80),
			))

			for range 100 {
				e, err := lb.Pick()
				Expect(err).NotTo(HaveOccurred())
				Expect(e.Address()).To(BeElementOf("a.example:80", "b.example:80"))
			}
		})

		It("should be safe for concurrent use", func() {
			lb.Swap(mustBuild(backend.Measured("a.example", 80, time.Millisecond)))

			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := lb.Pick()
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()
		})
	})

	Describe("Swap", func() {
		It("should replace the table as a whole", func() {
			first := mustBuild(backend.Measured("a.example", 80, time.Millisecond))
			second := mustBuild(backend.Measured("b.example", 80, time.Millisecond))

			Expect(lb.Swap(first)).To(BeNil())
			Expect(lb.Swap(second)).To(BeIdenticalTo(first))
			Expect(lb.Table()).To(BeIdenticalTo(second))

			e, err := lb.Pick()
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Address()).To(Equal("b.example:80"))
		})
	})
})
