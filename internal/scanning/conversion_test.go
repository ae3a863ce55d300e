package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

var _ = Describe("prepareImageData", func() {
	It("should pass PNG data through unchanged", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, testImage())).To(Succeed())

		out, mimeType, converted, err := prepareImageData(buf.Bytes(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(converted).To(BeFalse())
		Expect(mimeType).To(Equal("image/png"))
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("should convert JPEG to PNG", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, testImage(), nil)).To(Succeed())

		out, mimeType, converted, err := prepareImageData(buf.Bytes(), "Image/JPEG; q=1")
		Expect(err).NotTo(HaveOccurred())
		Expect(converted).To(BeTrue())
		Expect(mimeType).To(Equal("image/png"))

		_, format, err := image.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
	})

	It("should reject undecodable images", func() {
		_, _, _, err := prepareImageData([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should detect HEIC brands", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should ignore other files", func() {
		Expect(isHEICFormat([]byte("%PDF-1.4 some pdf"))).To(BeFalse())
		Expect(isHEICFormat([]byte("short"))).To(BeFalse())
	})
})
