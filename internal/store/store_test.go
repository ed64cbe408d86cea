package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

var allPositions = []types.Position{
	types.PositionFourHigh,
	types.PositionAllWheelDrive,
	types.PositionNeutral,
	types.PositionFourLow,
	types.PositionInvalidInRange,
	types.PositionInvalidOutOfRange,
}

func TestEncodeMapping(t *testing.T) {
	for i, p := range allPositions {
		if got := Encode(p); got != byte(i) {
			t.Errorf("Encode(%v) = %d, want %d", p, got, i)
		}
	}
}

func TestDecodeUnknownDefaultsToAWD(t *testing.T) {
	for _, b := range []byte{6, 7, 42, 0x80, Erased} {
		if got := Decode(b); got != types.PositionAllWheelDrive {
			t.Errorf("Decode(0x%02x) = %v, want awd", b, got)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewPositionStore(NewMemoryCell(), logger.Nop())
	for _, p := range allPositions {
		if err := s.Store(p); err != nil {
			t.Fatalf("Store(%v) failed: %v", p, err)
		}
		got, err := s.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got != p {
			t.Errorf("Load() = %v after Store(%v)", got, p)
		}
	}
}

func TestLoadErasedCell(t *testing.T) {
	s := NewPositionStore(NewMemoryCell(), logger.Nop())
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != types.PositionAllWheelDrive {
		t.Errorf("Load() on erased cell = %v, want awd", got)
	}
}

func TestStoreSkipsRedundantWrites(t *testing.T) {
	cell := NewMemoryCell()
	s := NewPositionStore(cell, logger.Nop())

	for i := 0; i < 3; i++ {
		if err := s.Store(types.PositionFourLow); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	if cell.Writes() != 1 {
		t.Errorf("expected 1 write for repeated stores, got %d", cell.Writes())
	}

	if err := s.Store(types.PositionNeutral); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if cell.Writes() != 2 {
		t.Errorf("expected 2 writes after a change, got %d", cell.Writes())
	}
}

type failingCell struct{}

func (failingCell) ReadByte() (byte, error) { return 0, errors.New("bus error") }
func (failingCell) WriteByte(byte) error    { return errors.New("bus error") }

func TestStoreErrors(t *testing.T) {
	s := NewPositionStore(failingCell{}, logger.Nop())

	p, err := s.Load()
	if err == nil {
		t.Fatal("expected Load error")
	}
	if p != types.PositionAllWheelDrive {
		t.Errorf("Load() on failure = %v, want awd default", p)
	}
	if err := s.Store(types.PositionFourHigh); err == nil {
		t.Error("expected Store error")
	}
}

func TestFileCellRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.bin")
	s := NewPositionStore(NewFileCell(path, 0), logger.Nop())

	for _, p := range allPositions {
		if err := s.Store(p); err != nil {
			t.Fatalf("Store(%v) failed: %v", p, err)
		}
		// A fresh store simulates a reboot
		reloaded, err := NewPositionStore(NewFileCell(path, 0), logger.Nop()).Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if reloaded != p {
			t.Errorf("reloaded %v, want %v", reloaded, p)
		}
	}
}

func TestFileCellMissingFileIsErased(t *testing.T) {
	cell := NewFileCell(filepath.Join(t.TempDir(), "missing.bin"), 0)
	b, err := cell.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte failed: %v", err)
	}
	if b != Erased {
		t.Errorf("ReadByte() = 0x%02x, want erased", b)
	}
}

func TestFileCellOffsetPadsWithErased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.bin")
	cell := NewFileCell(path, 4)

	if err := cell.WriteByte(3); err != nil {
		t.Fatalf("WriteByte failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := []byte{Erased, Erased, Erased, Erased, 3}
	if string(data) != string(want) {
		t.Errorf("file contents = %v, want %v", data, want)
	}

	b, err := NewFileCell(path, 0).ReadByte()
	if err != nil {
		t.Fatalf("ReadByte failed: %v", err)
	}
	if Decode(b) != types.PositionAllWheelDrive {
		t.Errorf("neighbouring address decoded as %v", Decode(b))
	}
}
