package imageio

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mrireg/internal/models"
)

// MetaImage element types and their in-memory pixel types
var metaElementTypes = map[string]models.PixelType{
	"MET_UCHAR":  models.PixelUint8,
	"MET_USHORT": models.PixelUint16,
	"MET_SHORT":  models.PixelInt16,
	"MET_FLOAT":  models.PixelFloat32,
	"MET_DOUBLE": models.PixelFloat64,
}

func metaElementType(t models.PixelType) (string, error) {
	for k, v := range metaElementTypes {
		if v == t {
			return k, nil
		}
	}
	return "", fmt.Errorf("pixel type %q has no MetaImage element type", t)
}

func bytesPerPixel(t models.PixelType) int {
	switch t {
	case models.PixelUint8:
		return 1
	case models.PixelUint16, models.PixelInt16:
		return 2
	case models.PixelFloat32:
		return 4
	default:
		return 8
	}
}

// readMetaImage reads a .mha (header + local data) or .mhd (header + raw
// data file) image.
func readMetaImage(path string) (*models.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("unexpected end of MetaImage header: %v", err)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		header[key] = strings.TrimSpace(value)
		if key == "ElementDataFile" {
			break
		}
	}

	if ot, ok := header["ObjectType"]; ok && !strings.EqualFold(ot, "Image") {
		return nil, fmt.Errorf("unsupported MetaImage object type %q", ot)
	}

	ndims, err := strconv.Atoi(header["NDims"])
	if err != nil {
		return nil, fmt.Errorf("invalid NDims %q", header["NDims"])
	}

	size, err := parseInts(header["DimSize"], ndims)
	if err != nil {
		return nil, fmt.Errorf("invalid DimSize: %v", err)
	}
	img := models.NewImage(size...)

	spacingKey := "ElementSpacing"
	if _, ok := header[spacingKey]; !ok {
		spacingKey = "ElementSize"
	}
	if v, ok := header[spacingKey]; ok {
		if img.Spacing, err = parseFloats(v, ndims); err != nil {
			return nil, fmt.Errorf("invalid %s: %v", spacingKey, err)
		}
	}
	for _, key := range []string{"Offset", "Origin", "Position"} {
		if v, ok := header[key]; ok {
			if img.Origin, err = parseFloats(v, ndims); err != nil {
				return nil, fmt.Errorf("invalid %s: %v", key, err)
			}
			break
		}
	}
	for _, key := range []string{"TransformMatrix", "Rotation", "Orientation"} {
		if v, ok := header[key]; ok {
			tm, err := parseFloats(v, ndims*ndims)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %v", key, err)
			}
			// TransformMatrix lists the direction cosines column by column
			for r := 0; r < ndims; r++ {
				for c := 0; c < ndims; c++ {
					img.Direction[r*ndims+c] = tm[c*ndims+r]
				}
			}
			break
		}
	}

	pixelType, ok := metaElementTypes[header["ElementType"]]
	if !ok {
		return nil, fmt.Errorf("unsupported MetaImage element type %q", header["ElementType"])
	}
	img.Type = pixelType

	var order binary.ByteOrder = binary.LittleEndian
	msb := header["BinaryDataByteOrderMSB"]
	if msb == "" {
		msb = header["ElementByteOrderMSB"]
	}
	if strings.EqualFold(msb, "True") {
		order = binary.BigEndian
	}

	var data io.Reader = r
	dataFile := header["ElementDataFile"]
	if !strings.EqualFold(dataFile, "LOCAL") {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), dataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open data file: %v", err)
		}
		defer raw.Close()
		data = bufio.NewReader(raw)
	}
	if strings.EqualFold(header["CompressedData"], "True") {
		zr, err := zlib.NewReader(data)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed data: %v", err)
		}
		defer zr.Close()
		data = zr
	}

	buf := make([]byte, img.NumberOfPixels()*bytesPerPixel(pixelType))
	if _, err := io.ReadFull(data, buf); err != nil {
		return nil, fmt.Errorf("failed to read pixel data: %v", err)
	}
	decodePixels(buf, pixelType, order, img.Pixels)

	return img, nil
}

// writeMetaImage writes img as a single-file .mha with the pixel type cast
// to t.
func writeMetaImage(path string, img *models.Image, t models.PixelType) error {
	elementType, err := metaElementType(t)
	if err != nil {
		return err
	}
	dim := img.Dimension()

	tm := make([]float64, dim*dim)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			tm[c*dim+r] = img.Direction[r*dim+c]
		}
	}

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "ObjectType = Image\n")
	fmt.Fprintf(&hdr, "NDims = %d\n", dim)
	fmt.Fprintf(&hdr, "BinaryData = True\n")
	fmt.Fprintf(&hdr, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&hdr, "CompressedData = False\n")
	fmt.Fprintf(&hdr, "TransformMatrix = %s\n", joinFloats(tm))
	fmt.Fprintf(&hdr, "Offset = %s\n", joinFloats(img.Origin))
	fmt.Fprintf(&hdr, "CenterOfRotation = %s\n", joinFloats(make([]float64, dim)))
	fmt.Fprintf(&hdr, "ElementSpacing = %s\n", joinFloats(img.Spacing))
	fmt.Fprintf(&hdr, "DimSize = %s\n", joinInts(img.Size))
	fmt.Fprintf(&hdr, "ElementType = %s\n", elementType)
	fmt.Fprintf(&hdr, "ElementDataFile = LOCAL\n")

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	buf := make([]byte, img.NumberOfPixels()*bytesPerPixel(t))
	encodePixels(img.Pixels, t, binary.LittleEndian, buf)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return w.Flush()
}

func decodePixels(buf []byte, t models.PixelType, order binary.ByteOrder, dst []float64) {
	for i := range dst {
		switch t {
		case models.PixelUint8:
			dst[i] = float64(buf[i])
		case models.PixelUint16:
			dst[i] = float64(order.Uint16(buf[2*i:]))
		case models.PixelInt16:
			dst[i] = float64(int16(order.Uint16(buf[2*i:])))
		case models.PixelFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		default:
			dst[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
}

func encodePixels(src []float64, t models.PixelType, order binary.ByteOrder, buf []byte) {
	for i, v := range src {
		switch t {
		case models.PixelUint8:
			buf[i] = uint8(Cast(v, t))
		case models.PixelUint16:
			order.PutUint16(buf[2*i:], uint16(Cast(v, t)))
		case models.PixelInt16:
			order.PutUint16(buf[2*i:], uint16(int16(Cast(v, t))))
		case models.PixelFloat32:
			order.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		default:
			order.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(s string, n int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(fields))
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, " ")
}
