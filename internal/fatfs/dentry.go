package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/ofs2ext4/fat2ext4/internal/ondisk"
)

// Kind classifies a raw 32-byte directory record: valid, deleted, end
// of directory, LFN fragment, dot entry, subdirectory, or plain file.
type Kind int

const (
	KindEnd Kind = iota
	KindDeleted
	KindVolumeLabel
	KindLFN
	KindDot
	KindDir
	KindFile
)

// Entry is one fully assembled directory entry: a short-name record
// with its preceding LFN fragments (if any) folded into Name.
type Entry struct {
	Name string
	IsDir bool
	FirstCluster uint32
	Size uint32
	Attr uint8
	CreatedUnix int64
	ModifiedUnix int64
	AccessedUnix int64
}

// ParseDirectory walks the 32-byte records in data (the concatenated
// bytes of a directory's cluster chain) and returns the assembled
// entries in on-disk order, skipping deleted, dot, and volume-label
// records.
func ParseDirectory(data []byte) ([]Entry, error) {
	var entries []Entry
	var lfnUnits []uint16 // accumulated in reverse sequence order (highest ordinal first)
	var lfnChecksum uint8
	haveLFN := false

	for off := 0; off+32 <= len(data); off += 32 {
		raw := data[off : off+32]
		switch classify(raw) {
		case KindEnd:
			return entries, nil
		case KindDeleted:
			haveLFN, lfnUnits = false, lfnUnits[:0]
			continue
		case KindVolumeLabel:
			continue
		case KindDot:
			continue
		case KindLFN:
			var lfn ondisk.LFNEntry32
			if err := restruct.Unpack(raw, binary.LittleEndian, &lfn); err != nil {
				return nil, fmt.Errorf("parse LFN entry: %w", err)
			}
			seq := lfn.Ord & ondisk.LFNSeqMask
			if lfn.Ord&ondisk.LFNLastFlag != 0 {
				lfnUnits = make([]uint16, seq*ondisk.LFNMaxUnits)
				lfnChecksum = lfn.Checksum
				haveLFN = true
			}
			if !haveLFN || seq == 0 || int(seq)*ondisk.LFNMaxUnits > len(lfnUnits) {
				// Orphaned or out-of-order fragment: ignore, fall back to short name.
				continue
			}
			units := lfnFragmentUnits(lfn)
			copy(lfnUnits[(seq-1)*ondisk.LFNMaxUnits:], units)
			continue
		default:
			var sn ondisk.DirEntry32
			if err := restruct.Unpack(raw, binary.LittleEndian, &sn); err != nil {
				return nil, fmt.Errorf("parse short name entry: %w", err)
			}

			name := shortName(sn)
			if haveLFN && checksum83(sn.Name) == lfnChecksum {
				trimmed := trimLFNUnits(lfnUnits)
				decoded, err := ondisk.UCS2ToUTF8(trimmed)
				if err == nil && decoded != "" {
					name = decoded
				}
			}
			haveLFN, lfnUnits = false, lfnUnits[:0]

			entries = append(entries, Entry{
				Name: name,
				IsDir: sn.Attr&ondisk.AttrDir != 0,
				FirstCluster: uint32(sn.FstClusHI)<<16 | uint32(sn.FstClusLO),
				Size: sn.FileSize,
				Attr: sn.Attr,
				CreatedUnix: decodeCreated(sn.CrtDate, sn.CrtTime, sn.CrtTimeTeen),
				ModifiedUnix: decodeWritten(sn.WrtDate, sn.WrtTime),
				AccessedUnix: decodeAccessed(sn.LstAccDate),
			})
		}
	}
	return entries, nil
}

func classify(raw []byte) Kind {
	if raw[0] == ondisk.DirEntryEnd {
		return KindEnd
	}
	if raw[0] == ondisk.DirEntryFree {
		return KindDeleted
	}
	attr := raw[11]
	if attr&0x3F == ondisk.AttrLFN {
		return KindLFN
	}
	if attr&ondisk.AttrVolumeID != 0 {
		return KindVolumeLabel
	}
	if raw[0] == '.' {
		return KindDot
	}
	if attr&ondisk.AttrDir != 0 {
		return KindDir
	}
	return KindFile
}

func lfnFragmentUnits(lfn ondisk.LFNEntry32) []uint16 {
	units := make([]uint16, 0, ondisk.LFNMaxUnits)
	units = append(units, lfn.Name1[:]...)
	units = append(units, lfn.Name2[:]...)
	units = append(units, lfn.Name3[:]...)
	return units
}

// trimLFNUnits drops the 0x0000 terminator and any trailing 0xFFFF
// padding units.
func trimLFNUnits(units []uint16) []uint16 {
	end := len(units)
	for end > 0 && (units[end-1] == 0xFFFF || units[end-1] == 0x0000) {
		end--
	}
	return units[:end]
}

// checksum83 computes the classic 8.3-name checksum LFN entries carry so
// they can be matched to their terminal short-name entry.
func checksum83(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// shortName reconstructs the "8.3" name from its packed field, applying
// the NT_RES lowercase flags that must be honored when no LFN is present.
func shortName(sn ondisk.DirEntry32) string {
	base := strings.TrimRight(string(sn.Name[:8]), " ")
	ext := strings.TrimRight(string(sn.Name[8:11]), " ")

	ntres := sn.NTRes
	if ntres&ondisk.NTResLowerBase != 0 {
		base = strings.ToLower(base)
	}
	if ntres&ondisk.NTResLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if base == "" {
		return ext
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}
