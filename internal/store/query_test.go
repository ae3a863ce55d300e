package store

import (
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

var _ = Describe("Query", func() {
	var records []invoice.InvoiceRecord

	BeforeEach(func() {
		records = []invoice.InvoiceRecord{
			processed("1", "Acme Corp", "INV-001"),
			processed("2", "Globex", "ACME-77"),
			failed("3"),
			processed("4", "Initech", "INV-002"),
		}
	})

	It("should yield everything with a nil predicate", func() {
		count := 0
		for range Query(records, nil) {
			count++
		}
		gomega.Expect(count).To(gomega.Equal(4))
	})

	It("should stop when the consumer stops", func() {
		seen := []string{}
		for rec := range Query(records, nil) {
			seen = append(seen, rec.ID)
			if len(seen) == 2 {
				break
			}
		}
		gomega.Expect(seen).To(gomega.Equal([]string{"1", "2"}))
	})

	It("should match vendor or invoice number ignoring case", func() {
		got := []string{}
		for rec := range Query(records, MatchTerm("acme")) {
			got = append(got, rec.ID)
		}
		gomega.Expect(got).To(gomega.Equal([]string{"1", "2"}))
	})

	It("should combine predicates", func() {
		got := []string{}
		for rec := range Query(records, And(MatchTerm("inv"), HasStatus(invoice.StatusProcessed))) {
			got = append(got, rec.ID)
		}
		gomega.Expect(got).To(gomega.Equal([]string{"1", "4"}))
	})
})

var _ = Describe("Search", func() {
	var s *Memory

	BeforeEach(func() {
		s = NewMemory()
		gomega.Expect(s.Append(processed("1", "Acme Corp", "INV-001"))).To(gomega.Succeed())
		gomega.Expect(s.Append(failed("2"))).To(gomega.Succeed())
		gomega.Expect(s.Append(processed("3", "Globex", "G-9"))).To(gomega.Succeed())
	})

	DescribeTable("filtering",
		func(term, status string, expected []string) {
			got, err := Search(s, term, status)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(ids(got)).To(gomega.Equal(expected))
		},
		Entry("no filters", "", "", []string{"1", "2", "3"}),
		Entry("all statuses", "", "all", []string{"1", "2", "3"}),
		Entry("status only", "", "error", []string{"2"}),
		Entry("term only", "GLOBEX", "", []string{"3"}),
		Entry("term and status", "acme", "processed", []string{"1"}),
		Entry("no matches", "nothing", "all", []string{}),
	)
})
