package store

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// FileCell emulates an EEPROM byte inside a regular file or block device.
// Each write is a positioned write followed by fdatasync, so a completed
// WriteByte survives power loss.
type FileCell struct {
	path   string
	offset int64
}

func NewFileCell(path string, offset int64) *FileCell {
	return &FileCell{path: path, offset: offset}
}

func (c *FileCell) ReadByte() (byte, error) {
	fd, err := unix.Open(c.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return Erased, nil
		}
		return Erased, fmt.Errorf("open %s: %w", c.path, err)
	}
	defer unix.Close(fd)

	buf := make([]byte, 1)
	n, err := unix.Pread(fd, buf, c.offset)
	if err != nil {
		return Erased, fmt.Errorf("pread %s@%d: %w", c.path, c.offset, err)
	}
	if n == 0 {
		// Short file: the address was never written
		return Erased, nil
	}
	return buf[0], nil
}

func (c *FileCell) WriteByte(b byte) error {
	fd, err := unix.Open(c.path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	defer unix.Close(fd)

	if err := c.padTo(fd); err != nil {
		return err
	}
	if _, err := unix.Pwrite(fd, []byte{b}, c.offset); err != nil {
		return fmt.Errorf("pwrite %s@%d: %w", c.path, c.offset, err)
	}
	if err := unix.Fdatasync(fd); err != nil {
		return fmt.Errorf("fdatasync %s: %w", c.path, err)
	}
	return nil
}

// padTo fills any gap before the cell with erased bytes so neighbouring
// addresses read as unset rather than zero.
func (c *FileCell) padTo(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("fstat %s: %w", c.path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG || st.Size >= c.offset {
		return nil
	}
	gap := make([]byte, c.offset-st.Size)
	for i := range gap {
		gap[i] = Erased
	}
	if _, err := unix.Pwrite(fd, gap, st.Size); err != nil {
		return fmt.Errorf("pad %s: %w", c.path, err)
	}
	return nil
}
