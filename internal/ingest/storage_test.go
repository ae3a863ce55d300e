package ingest

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	When("saving a document", func() {
		It("should write it to disk", func() {
			Expect(storage.Save("a_test.pdf", []byte("content"))).To(Succeed())
			Expect(filepath.Join(tmpDir, "a_test.pdf")).To(BeAnExistingFile())

			data, err := storage.Get("a_test.pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("content"))
		})
	})

	When("the document does not exist", func() {
		It("should return ErrNotFound", func() {
			_, err := storage.Get("missing.pdf")
			Expect(err).To(MatchError(invoice.ErrNotFound))
		})

		It("should delete without error", func() {
			Expect(storage.Delete("missing.pdf")).To(Succeed())
		})
	})

	When("deleting a document", func() {
		It("should remove it from disk", func() {
			Expect(storage.Save("b.pdf", []byte("x"))).To(Succeed())
			Expect(storage.Delete("b.pdf")).To(Succeed())
			Expect(filepath.Join(tmpDir, "b.pdf")).NotTo(BeAnExistingFile())
		})
	})
})

var _ = Describe("sanitizeFilename", func() {
	DescribeTable("cleaning names",
		func(input, expected string) {
			Expect(sanitizeFilename(input)).To(Equal(expected))
		},
		Entry("plain name", "invoice.pdf", "invoice.pdf"),
		Entry("special characters", "inv#(2024)!.PDF", "inv2024.pdf"),
		Entry("path components", "../../etc/passwd.png", "passwd.png"),
		Entry("only symbols", "@@@.jpg", "invoice.jpg"),
		Entry("long name", "a123456789b123456789c123456789d123456789e123456789f123.pdf", "a123456789b123456789c123456789d123456789e123456789.pdf"),
	)
})
