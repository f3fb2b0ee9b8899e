package bigbed

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtendedBedEntry decomposes a BedEntry's tail into the standard optional
// BED columns.  RestFieldCount records how many tail columns were present
// so that Pack can reproduce the original tail exactly.
type ExtendedBedEntry struct {
	Chrom string
	Start uint32
	End   uint32

	Name        string
	Score       uint16
	Strand      byte // '+', '-' or '.'
	ThickStart  uint32
	ThickEnd    uint32
	ItemRGB     uint32 // 0xRRGGBB
	BlockCount  int
	BlockSizes  []uint32
	BlockStarts []uint32

	// Columns beyond the twelve standard BED fields, verbatim.
	ExtraFields []string

	RestFieldCount int
}

// Unpack parses the entry's tab-separated tail into named fields.  Absent
// columns keep their zero values (Strand '.').
func Unpack(e BedEntry) (ExtendedBedEntry, error) {
	x := ExtendedBedEntry{
		Chrom:  e.Chrom,
		Start:  e.Start,
		End:    e.End,
		Strand: '.',
	}
	if e.Rest == "" {
		return x, nil
	}
	fields := strings.Split(e.Rest, "\t")
	x.RestFieldCount = len(fields)
	for i, field := range fields {
		var err error
		switch i {
		case 0:
			x.Name = field
		case 1:
			var score uint64
			if score, err = strconv.ParseUint(field, 10, 16); err == nil {
				x.Score = uint16(score)
			}
		case 2:
			if len(field) != 1 {
				err = fmt.Errorf("bad strand %q", field)
			} else {
				x.Strand = field[0]
			}
		case 3:
			x.ThickStart, err = parseU32(field)
		case 4:
			x.ThickEnd, err = parseU32(field)
		case 5:
			x.ItemRGB, err = parseRGB(field)
		case 6:
			var count uint32
			if count, err = parseU32(field); err == nil {
				x.BlockCount = int(count)
			}
		case 7:
			x.BlockSizes, err = parseU32List(field)
		case 8:
			x.BlockStarts, err = parseU32List(field)
		default:
			x.ExtraFields = append(x.ExtraFields, field)
		}
		if err != nil {
			return x, fmt.Errorf("bigbed: field %d of %q: %v", i+4, e.Rest, err)
		}
	}
	return x, nil
}

// Pack is the inverse of Unpack: it reassembles the tab-separated tail from
// the first RestFieldCount columns.
func (x ExtendedBedEntry) Pack() BedEntry {
	fields := make([]string, 0, x.RestFieldCount)
	for i := 0; i < x.RestFieldCount; i++ {
		switch i {
		case 0:
			fields = append(fields, x.Name)
		case 1:
			fields = append(fields, strconv.FormatUint(uint64(x.Score), 10))
		case 2:
			fields = append(fields, string([]byte{x.Strand}))
		case 3:
			fields = append(fields, strconv.FormatUint(uint64(x.ThickStart), 10))
		case 4:
			fields = append(fields, strconv.FormatUint(uint64(x.ThickEnd), 10))
		case 5:
			fields = append(fields, formatRGB(x.ItemRGB))
		case 6:
			fields = append(fields, strconv.Itoa(x.BlockCount))
		case 7:
			fields = append(fields, formatU32List(x.BlockSizes))
		case 8:
			fields = append(fields, formatU32List(x.BlockStarts))
		default:
			fields = append(fields, x.ExtraFields[i-9])
		}
	}
	return BedEntry{Chrom: x.Chrom, Start: x.Start, End: x.End, Rest: strings.Join(fields, "\t")}
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// parseRGB accepts "r,g,b" triples or a single packed integer ("0" is
// common for unset).
func parseRGB(s string) (uint32, error) {
	if !strings.Contains(s, ",") {
		return parseU32(s)
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad RGB %q", s)
	}
	var rgb uint32
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return 0, err
		}
		rgb = rgb<<8 | uint32(v)
	}
	return rgb, nil
}

func formatRGB(rgb uint32) string {
	if rgb == 0 {
		return "0"
	}
	return fmt.Sprintf("%d,%d,%d", rgb>>16&0xff, rgb>>8&0xff, rgb&0xff)
}

// parseU32List parses a comma-separated list, tolerating the trailing comma
// BED block lists usually carry.
func parseU32List(s string) ([]uint32, error) {
	s = strings.TrimSuffix(s, ",")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := parseU32(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func formatU32List(v []uint32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatUint(uint64(x), 10)
	}
	return strings.Join(parts, ",") + ","
}
