//go:build linux
// +build linux

package linux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"unicode/utf16"

	pkgerrors "github.com/pkg/errors"
	"github.com/rekby/gpt"
	"github.com/rekby/mbr"
	"golang.org/x/sys/unix"
	"machinerun.io/devtree"
	"machinerun.io/devtree/partid"
)

const (
	sectorSize512 = 512
	sectorSize4k  = 4096
)

// ErrNoPartitionTable is returned if there is no partition table.
var ErrNoPartitionTable error = errors.New("no Partition Table Found")

// partEntry is a partition as found in a partition table.
type partEntry struct {
	Number uint
	Start  uint64
	Last   uint64
	Type   [16]byte
	ID     devtree.GUID
	Name   string
}

func (p partEntry) Size() uint64 {
	return p.Last - p.Start + 1
}

// toGPTPartition - convert the partEntry into a gpt.Partition
func toGPTPartition(p partEntry, sectorSize uint) gpt.Partition {
	return gpt.Partition{
		Type:          gpt.PartType(p.Type),
		Id:            gpt.Guid(p.ID),
		FirstLBA:      Floor(p.Start, uint64(sectorSize)) / uint64(sectorSize),
		LastLBA:       Floor(p.Last, uint64(sectorSize)) / uint64(sectorSize),
		Flags:         gpt.Flags{},
		PartNameUTF16: getPartName(p.Name),
		TrailingBytes: []byte{},
	}
}

func readGPTTableSearch(fp io.ReadSeeker, sizes []uint) (gpt.Table, uint, error) {
	const noGptFound = "Bad GPT signature"
	var gptTable gpt.Table
	var err error
	var size uint

	for _, size = range sizes {
		// consider seek failure to be fatal
		if _, err := fp.Seek(int64(size), io.SeekStart); err != nil {
			return gpt.Table{}, size, err
		}

		if gptTable, err = gpt.ReadTable(fp, uint64(size)); err != nil {
			if err.Error() == noGptFound {
				continue
			}

			return gpt.Table{}, size, err
		}

		return gptTable, size, nil
	}

	return gpt.Table{}, size, ErrNoPartitionTable
}

func readGPTTable(fp io.ReadSeeker) (gpt.Table, uint, error) {
	return readGPTTableSearch(fp, []uint{sectorSize512, sectorSize4k})
}

func readMBRTable(fp io.ReadSeeker) ([]partEntry, error) {
	parts := []partEntry{}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return parts, err
	}

	mbrTable, err := mbr.Read(fp)
	if err == mbr.ErrorBadMbrSign {
		return parts, ErrNoPartitionTable
	} else if err != nil {
		return parts, err
	}

	for i, p := range mbrTable.GetAllPartitions() {
		if p.IsEmpty() {
			continue
		}

		buf := [16]byte{}
		buf[15] = byte(p.GetType())

		parts = append(parts, partEntry{
			Start:  uint64(p.GetLBAStart()) * sectorSize512,
			Last:   uint64(p.GetLBALast())*sectorSize512 + sectorSize512 - 1,
			Type:   buf,
			Number: uint(i + 1),
		})
	}

	return parts, nil
}

func readGPTPartitions(fp io.ReadSeeker) ([]partEntry, uint, error) {
	gptTable, ssize, err := readGPTTable(fp)
	if err != nil {
		return nil, ssize, err
	}

	parts := []partEntry{}
	ssize64 := uint64(ssize)

	for n, p := range gptTable.Partitions {
		if p.IsEmpty() {
			continue
		}

		parts = append(parts, partEntry{
			Start:  p.FirstLBA * ssize64,
			Last:   p.LastLBA*ssize64 + ssize64 - 1,
			ID:     devtree.GUID(p.Id),
			Type:   [16]byte(p.Type),
			Name:   p.Name(),
			Number: uint(n + 1),
		})
	}

	return parts, ssize, nil
}

// probeDiskLabel checks that fp carries a readable label of labelType.
func probeDiskLabel(fp io.ReadSeeker, labelType string) error {
	var err error

	switch labelType {
	case "gpt":
		_, _, err = readGPTTable(fp)
	case "msdos":
		_, err = readMBRTable(fp)
	default:
		return pkgerrors.Wrapf(devtree.ErrInvalidDiskLabel, "unsupported disklabel type %s", labelType)
	}

	if err != nil {
		return pkgerrors.Wrapf(devtree.ErrInvalidDiskLabel, "%s: %s", labelType, err)
	}

	return nil
}

func getPartName(s string) [72]byte {
	codes := utf16.Encode([]rune(s))
	b := [72]byte{}

	for i, r := range codes {
		if i*2+1 >= len(b) {
			break
		}

		b[i*2] = byte(r)
		b[i*2+1] = byte(r >> 8) //nolint:gomnd
	}

	return b
}

// zeroStartEnd - zero the start and end provided with 1MiB bytes of zeros.
func zeroStartEnd(fp io.WriteSeeker, start int64, last int64) error {
	if last <= start {
		return fmt.Errorf("last %d < start %d", last, start)
	}

	wlen := int64(devtree.Mebibyte)
	bufZero := make([]byte, wlen)

	// 3 cases.
	// a.) start + wlen < last - wlen (two full writes)
	// b.) start + wlen >= last (one possibly short write)
	// c.) start + wlen >= last - wlen (overlapping zero ranges)
	type ws struct{ start, size int64 }
	var writes = []ws{{start, wlen}, {last - wlen, wlen}}
	var wnum int
	var err error

	if start+wlen >= last {
		writes = []ws{{start, last - start}}
	} else if start+wlen >= last-wlen {
		writes = []ws{{start, wlen}, {start + wlen, last - (start + wlen)}}
	}

	for _, w := range writes {
		if _, err = fp.Seek(w.start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to %d to write %v", w.start, w)
		}

		wnum, err = fp.Write(bufZero[:w.size])
		if err != nil {
			return fmt.Errorf("failed to write %v", w)
		}

		if int64(wnum) != w.size {
			return fmt.Errorf("wrote only %d bytes of %v", wnum, w)
		}
	}

	return nil
}

// writeProtectiveMBR - add a ProtectiveMBR spanning the disk.
// This preserves anything in the first sector that is outside of the partition table.
func writeProtectiveMBR(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64) error {
	buf := make([]byte, sectorSize)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := io.ReadFull(fp, buf); err != nil {
		return err
	}

	m, err := newProtectiveMBR(buf, sectorSize, diskSize)
	if err != nil {
		return err
	}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return m.Write(fp)
}

func writeNewGPTTable(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64) (gpt.Table, error) {
	ntArgs := gpt.NewTableArgs{
		SectorSize: uint64(sectorSize),
		DiskGuid:   gpt.Guid(devtree.GenGUID())}
	gptTable := gpt.NewTable(diskSize, &ntArgs)

	if err := writeProtectiveMBR(fp, sectorSize, diskSize); err != nil {
		return gptTable, err
	}

	return writeGPTTable(fp, gptTable)
}

// writeNewMBRTable writes an empty msdos label, keeping the boot code.
func writeNewMBRTable(fp io.ReadWriteSeeker) error {
	buf := make([]byte, sectorSize512)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := io.ReadFull(fp, buf); err != nil {
		return err
	}

	for offset, i := 0x1BE, 0; i < 16*4; i++ {
		buf[offset+i] = 0
	}

	buf[0x1FE] = 0x55
	buf[0x1FF] = 0xAA

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := fp.Write(buf)

	return err
}

func writeGPTTable(fp io.ReadWriteSeeker, table gpt.Table) (gpt.Table, error) {
	if err := table.Write(fp); err != nil {
		devtree.Log.WithError(err).Error("failed to write gpt table")
		return gpt.Table{}, err
	}

	if err := table.CreateOtherSideTable().Write(fp); err != nil {
		devtree.Log.WithError(err).Error("failed to write backup gpt table")
		return gpt.Table{}, err
	}

	if _, err := fp.Seek(
		int64(table.Header.HeaderStartLBA*table.SectorSize),
		io.SeekStart); err != nil {
		return gpt.Table{}, err
	}

	return gpt.ReadTable(io.ReadSeeker(fp), table.SectorSize)
}

// newProtectiveMBR - return a Protective MBR for the
// pull request to upstream mbr at https://github.com/rekby/mbr/pull/2
func newProtectiveMBR(buf []byte, sectorSize uint, diskSize uint64) (mbr.MBR, error) {
	if len(buf) < int(sectorSize) {
		return mbr.MBR{},
			fmt.Errorf("buffer too small. Must be sectorSize(%d)", sectorSize)
	}

	// https://en.wikipedia.org/wiki/Master_boot_record
	// partition table takes up 440 (0x1BE) to 511 (0x1FF).  We zero locations
	// of the partitions, and leave the rest.
	for offset, i := 0x1BE, 0; i < 16*4; i++ {
		buf[offset+i] = 0
	}
	// then explicitly write the mbr signature
	buf[0x1FE] = 0x55
	buf[0x1FF] = 0xAA

	myMBR, err := mbr.Read(bytes.NewReader(buf))
	if err != nil {
		return mbr.MBR{}, err
	}

	pt := myMBR.GetPartition(1)
	pt.SetType(mbr.PART_GPT)
	pt.SetLBAStart(1)
	// Upstream pull request would set this to '- 1', not '- 2' as
	// is commonly written by linux partitioners although actually outside spec.
	pt.SetLBALen(uint32(diskSize/uint64(sectorSize)) - 2) // nolint: gomnd

	for pnum := 2; pnum <= 4; pnum++ {
		pt := myMBR.GetPartition(pnum)
		pt.SetType(mbr.PART_EMPTY)
		pt.SetLBAStart(0)
		pt.SetLBALen(0)
	}

	return *myMBR, myMBR.Check()
}

// partitionTypeFor returns the gpt partition type for a partition that is
// to carry f.
func partitionTypeFor(f devtree.Format) [16]byte {
	switch f.Kind {
	case devtree.FormatEFI:
		return partid.EFI
	case devtree.FormatLVMPV:
		return partid.LinuxLVM
	case devtree.FormatMDMember:
		return partid.LinuxRAID
	case devtree.FormatSwap:
		return partid.LinuxSwap
	case devtree.FormatAppleBoot:
		return partid.AppleBoot
	case devtree.FormatMacEFI:
		return partid.AppleHFS
	}

	return partid.LinuxFS
}

// mbrTypeFor returns the msdos partition type for a partition carrying f.
func mbrTypeFor(f devtree.Format) mbr.PartitionType {
	switch f.Kind {
	case devtree.FormatEFI:
		return mbr.PartitionType(0xEF) //nolint:gomnd
	case devtree.FormatLVMPV:
		return mbr.PartitionType(0x8E) //nolint:gomnd
	case devtree.FormatMDMember:
		return mbr.PartitionType(0xFD) //nolint:gomnd
	case devtree.FormatSwap:
		return mbr.PartitionType(0x82) //nolint:gomnd
	}

	return mbr.PartitionType(0x83) //nolint:gomnd
}

// firstFit returns the first free range of at least size bytes on a disk
// of diskSize bytes with the given partitions, MiB aligned.
func firstFit(parts []partEntry, diskSize uint64, sectorSize uint, size uint64) (partEntry, error) {
	used := make([]uRange, 0, len(parts))
	for _, p := range parts {
		used = append(used, uRange{p.Start, p.Last})
	}

	maxEnd := ((diskSize - uint64(sectorSize)*34) / devtree.Mebibyte) * devtree.Mebibyte //nolint:gomnd

	for _, gap := range findRangeGaps(used, devtree.Mebibyte, maxEnd-1) {
		start := Ceiling(gap.Start, devtree.Mebibyte)
		if start < gap.End && gap.End-start+1 >= size {
			return partEntry{Start: start, Last: start + size - 1}, nil
		}
	}

	return partEntry{}, fmt.Errorf("no free space for a %d byte partition", size)
}

// openDisk opens a disk for label changes and locks it.
func openDisk(p string) (*os.File, error) {
	fp, err := os.OpenFile(p, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(fp.Fd()), unix.LOCK_EX); err != nil {
		fp.Close()
		return nil, fmt.Errorf("failed to lock %s: %s", p, err)
	}

	return fp, nil
}

func diskGeometry(fp *os.File, devPath string) (uint64, uint, error) {
	size, err := getFileSize(fp)
	if err != nil {
		return 0, 0, err
	}

	ssize := uint(sectorSize512)
	if bss, err := getBlockDevSize(devPath); err == nil {
		ssize = uint(bss)
	}

	return size, ssize, nil
}

// createDiskLabel writes an empty label of labelType on disk.
func createDiskLabel(disk *devtree.Device, labelType string) error {
	fp, err := openDisk(disk.Path())
	if err != nil {
		return err
	}
	defer fp.Close()

	size, ssize, err := diskGeometry(fp, disk.Path())
	if err != nil {
		return err
	}

	switch labelType {
	case "gpt":
		_, err = writeNewGPTTable(fp, ssize, size)
	case "msdos":
		err = writeNewMBRTable(fp)
	default:
		err = fmt.Errorf("cannot create disklabel of type %s", labelType)
	}

	if err != nil {
		return err
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	return rereadPartitions(fp, disk)
}

// addPartition writes partition d into the label of disk.
func addPartition(d *devtree.Device, disk *devtree.Device) error {
	fp, err := openDisk(disk.Path())
	if err != nil {
		return err
	}
	defer fp.Close()

	size, ssize, err := diskGeometry(fp, disk.Path())
	if err != nil {
		return err
	}

	pSize := Ceiling(d.Size, devtree.Mebibyte)

	if disk.Format.LabelType == "msdos" {
		parts, err := readMBRTable(fp)
		if err != nil {
			return err
		}

		p, err := firstFit(parts, size, sectorSize512, pSize)
		if err != nil {
			return err
		}

		if _, err := fp.Seek(0, io.SeekStart); err != nil {
			return err
		}

		mbrTable, err := mbr.Read(fp)
		if err != nil {
			return err
		}

		mPart := mbrTable.GetPartition(d.Part.Number)
		mPart.SetLBAStart(uint32(p.Start / sectorSize512))
		mPart.SetLBALen(uint32(p.Size() / sectorSize512))
		mPart.SetType(mbrTypeFor(d.Format))

		if err := zeroStartEnd(fp, int64(p.Start), int64(p.Last)); err != nil {
			return fmt.Errorf("failed to zero partition %d: %s", d.Part.Number, err)
		}

		if _, err := fp.Seek(0, io.SeekStart); err != nil {
			return err
		}

		if err := mbrTable.Write(fp); err != nil {
			return err
		}
	} else {
		gptTable, _, err := readGPTTableSearch(fp, []uint{ssize})
		if err != nil {
			return err
		}

		parts, _, err := readGPTPartitions(fp)
		if err != nil {
			return err
		}

		p, err := firstFit(parts, size, ssize, pSize)
		if err != nil {
			return err
		}

		p.Number = uint(d.Part.Number)
		p.Type = partitionTypeFor(d.Format)
		p.ID = devtree.GenGUID()
		p.Name = d.Part.Name

		if d.Part.Number < 1 || d.Part.Number > len(gptTable.Partitions) {
			return fmt.Errorf("partition number %d is out of range", d.Part.Number)
		}

		gptTable.Partitions[d.Part.Number-1] = toGPTPartition(p, ssize)

		if err := zeroStartEnd(fp, int64(p.Start), int64(p.Last)); err != nil {
			return fmt.Errorf("failed to zero partition %d: %s", d.Part.Number, err)
		}

		if _, err := writeGPTTable(fp, gptTable); err != nil {
			return err
		}
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	return rereadPartitions(fp, disk)
}

// deletePartition clears entry number of the label of disk.
func deletePartition(number int, disk *devtree.Device) error {
	fp, err := openDisk(disk.Path())
	if err != nil {
		return err
	}
	defer fp.Close()

	if disk.Format.LabelType == "msdos" {
		if number < 1 || number > 4 {
			return fmt.Errorf("cannot delete partition %d from MBR. Invalid number", number)
		}

		if _, err := fp.Seek(0, io.SeekStart); err != nil {
			return err
		}

		mbrTable, err := mbr.Read(fp)
		if err != nil {
			return err
		}

		pt := mbrTable.GetPartition(number)
		pt.SetType(mbr.PART_EMPTY)
		pt.SetLBAStart(0)
		pt.SetLBALen(0)

		if _, err := fp.Seek(0, io.SeekStart); err != nil {
			return err
		}

		if err := mbrTable.Write(fp); err != nil {
			return err
		}
	} else {
		_, ssize, err := diskGeometry(fp, disk.Path())
		if err != nil {
			return err
		}

		gptTable, _, err := readGPTTableSearch(fp, []uint{ssize})
		if err != nil {
			return err
		}

		if number < 1 || number > len(gptTable.Partitions) {
			return fmt.Errorf("partition number %d is out of range", number)
		}

		gptTable.Partitions[number-1] = toGPTPartition(partEntry{}, ssize)

		if _, err := writeGPTTable(fp, gptTable); err != nil {
			return err
		}
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	return rereadPartitions(fp, disk)
}

// rereadPartitions makes the kernel pick up the new label of a block
// device. A busy disk yields ErrDiskLabelCommit.
func rereadPartitions(fp *os.File, disk *devtree.Device) error {
	info, err := fp.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %s", disk.Path(), err)
	}

	if info.Mode()&os.ModeDevice == 0 {
		return nil
	}

	if err := unix.IoctlSetInt(int(fp.Fd()), unix.BLKRRPART, 0); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return pkgerrors.Wrapf(devtree.ErrDiskLabelCommit, "%s: %s", disk.Name, err)
		}

		return fmt.Errorf("failed to re-read partitions of %s: %s", disk.Path(), err)
	}

	return nil
}
