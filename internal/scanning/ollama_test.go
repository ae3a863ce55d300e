package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-tracker/internal/invoice"
)

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
		pngData []byte
		fields  *invoice.ExtractedFields
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		DeferCleanup(server.Close)

		scanner, err = NewOllama(server.URL()+"/", "llava")
		Expect(err).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(png.Encode(&buf, testImage())).To(Succeed())
		pngData = buf.Bytes()
	})

	JustBeforeEach(func() {
		fields, err = scanner.ScanInvoice(context.Background(), pngData, "image/png")
	})

	When("the model answers with invoice JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, _ := io.ReadAll(r.Body)
					var req ollamaChatRequest
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Format).To(Equal("json"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"invoice_number": "A-1", "vendor": "Initech", "amount": 99.95, "currency": "EUR", "date": "2024-05-01", "confidence": 88}`,
					},
					Done: true,
				}),
			))
		})

		It("should return the extracted fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields.Vendor).To(Equal("Initech"))
			Expect(fields.Currency).To(Equal("EUR"))
			Expect(fields.Amount.String()).To(Equal("99.95"))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("should return the status and body", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})

	When("the model answers with unusable text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "sorry"},
				Done:    true,
			}))
		})

		It("should return a parse error", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing invoice data")))
		})
	})
})

var _ = Describe("New", func() {
	It("should build an Ollama scanner", func() {
		s, err := New(context.Background(), Config{Provider: "ollama"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(BeAssignableToTypeOf(&Ollama{}))
	})

	It("should require a Gemini API key", func() {
		_, err := New(context.Background(), Config{Provider: "gemini"})
		Expect(err).To(MatchError(ContainSubstring("api key is required")))
	})

	It("should reject unknown providers", func() {
		_, err := New(context.Background(), Config{Provider: "tesseract"})
		Expect(err).To(MatchError(ContainSubstring("unknown scanner provider")))
	})
})
