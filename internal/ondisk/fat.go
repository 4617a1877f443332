package ondisk

// BootSector is the FAT32 BIOS parameter block plus the FAT32-specific
// extension, unpacked with github.com/go-restruct/restruct rather than
// hand-rolled offset math (offsets below are documented for cross-check
// against the Microsoft FAT spec, which names them by byte offset).
type BootSector struct {
	JumpBoot [3]byte // 0
	OEMName [8]byte // 3
	BytesPerSector uint16 // 11
	SecPerCluster uint8 // 13
	ReservedSecCnt uint16 // 14
	NumFATs uint8 // 16
	RootEntCnt uint16 // 17
	TotSec16 uint16 // 19
	Media uint8 // 21
	FATSz16 uint16 // 22
	SecPerTrack uint16 // 24
	NumHeads uint16 // 26
	HiddenSec uint32 // 28
	TotSec32 uint32 // 32
	FATSz32 uint32 // 36
	ExtFlags uint16 // 40
	FSVer uint16 // 42
	RootCluster uint32 // 44
	FSInfo uint16 // 48
	BkBootSec uint16 // 50
	Reserved [12]byte // 52
	DrvNum uint8 // 64
	Reserved1 uint8 // 65
	BootSig uint8 // 66
	VolID uint32 // 67
	VolLabel [11]byte // 71
	FilSysType [8]byte // 82
	BootCode [420]byte
	SigWord uint16 // 510
}

const (
	ExtBootSignature = 0x29
	BootSectorSize = 512
	BootSignature = 0xAA55
)

// DirEntry32 is a raw 32-byte FAT directory entry as it appears on disk,
// interpreted either as a short-name entry or, when Attr == AttrLFN, as
// an LFN fragment (see the Name1/Name2/Name3 UCS-2 windows below).
type DirEntry32 struct {
	Name [11]byte
	Attr uint8
	NTRes uint8
	CrtTimeTeen uint8
	CrtTime uint16
	CrtDate uint16
	LstAccDate uint16
	FstClusHI uint16
	WrtTime uint16
	WrtDate uint16
	FstClusLO uint16
	FileSize uint32
}

// LFNEntry32 reinterprets the same 32 bytes as an LFN fragment.
type LFNEntry32 struct {
	Ord uint8
	Name1 [5]uint16 // UCS-2 units 1-5, offsets 1-10
	Attr uint8 // always AttrLFN
	Type uint8
	Checksum uint8
	Name2 [6]uint16 // UCS-2 units 6-11, offsets 14-25
	FstClusLO uint16 // always 0
	Name3 [2]uint16 // UCS-2 units 12-13, offsets 28-31
}

const (
	AttrReadOnly = 0x01
	AttrHidden = 0x02
	AttrSystem = 0x04
	AttrVolumeID = 0x08
	AttrDir = 0x10
	AttrArchive = 0x20
	AttrLFN = 0x0F

	NTResLowerBase = 0x08
	NTResLowerExt = 0x10

	DirEntryFree = 0xE5
	DirEntryEnd = 0x00
	DirEntryKanji = 0x05 // 0xE5 in Shift-JIS, escaped
	LFNLastFlag = 0x40
	LFNSeqMask = 0x1F
	LFNMaxUnits = 13
	FATEntrySize = 4
	FATEOCMin = 0x0FFFFFF8
	FATFree = 0
	FATClusterMask = 0x0FFFFFFF
	FirstDataCluster = 2
)
