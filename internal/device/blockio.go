package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

// BlockSize is the fixed transfer unit of a block I/O operation, addressed
// by (storage id, block index) per spec.md §4.6.
const BlockSize = 512

// Block I/O register offsets: command/status/storage-id/block-index/buffer,
// following the command-queue-via-registers shape common to the pack's
// virtio-style block devices (other_examples' virtio-blk.go), simplified
// down to spec.md's single in-flight operation instead of virtio's queue
// machinery -- this machine has no DMA ring to model.
const (
	BlockIOCommand = word.Word(0x00)
	BlockIOStatus  = word.Word(0x04)
	BlockIOStorage = word.Word(0x08)
	BlockIOIndex   = word.Word(0x0c)
	BlockIOBuffer  = word.Word(0x10)
	BlockIOSize    = word.Word(0x14)
)

// Block I/O commands, written to BlockIOCommand to start an operation.
const (
	BlockCmdNone  word.Word = 0
	BlockCmdRead  word.Word = 1
	BlockCmdWrite word.Word = 2
)

// Block I/O status codes, named after the virtio-blk convention the pack's
// examples use for the same READ/WRITE/IOERR vocabulary.
const (
	BlockStatusOK     word.Word = 0
	BlockStatusIOErr  word.Word = 1
	BlockStatusUnsupp word.Word = 2
	BlockStatusBusy   word.Word = 3
)

// DefaultBlockLatency is the number of virtual-clock ticks a block
// operation takes to complete when a device configuration doesn't specify
// its own, giving the completion IRQ observably asynchronous timing instead
// of firing within the same instruction that issued the command.
const DefaultBlockLatency = uint64(4)

// BlockStorage is a named, file-backed storage image. *os.File satisfies
// it directly.
type BlockStorage interface {
	io.ReaderAt
	io.WriterAt
}

type pendingBlockOp struct {
	cmd      word.Word
	storage  uint32
	index    uint32
	bufAddr  word.Word
	deadline uint64
}

// BlockIO is the block-storage device: a command/status/buffer register set
// addressing named storage images by (storage id, block index), completing
// asynchronously on the machine's virtual clock.
type BlockIO struct {
	mem  *mem.Controller
	core mem.CoreID
	irq  uint16
	in   *intr.Controller

	storages map[uint32]BlockStorage
	latency  uint64

	status  word.Word
	storage uint32
	index   uint32
	buffer  word.Word
	pending *pendingBlockOp
	cycle   uint64

	log *log.Logger
}

// NewBlockIO creates a block I/O device operating against m (the guest's
// physical memory, for buffer transfers) and raising irq on completion.
func NewBlockIO(m *mem.Controller, core mem.CoreID, irq uint16, in *intr.Controller) *BlockIO {
	return &BlockIO{
		mem: m, core: core, irq: irq, in: in,
		storages: make(map[uint32]BlockStorage),
		latency:  DefaultBlockLatency,
		log:      log.DefaultLogger(),
	}
}

// Attach binds a backing store to a storage id, as named by a [device-N]
// configuration's storage parameters.
func (b *BlockIO) Attach(id uint32, store BlockStorage) { b.storages[id] = store }

// SetLatency overrides DefaultBlockLatency.
func (b *BlockIO) SetLatency(ticks uint64) { b.latency = ticks }

// Name implements bus.MMIODevice.
func (b *BlockIO) Name() string { return "blockio" }

// ReadMMIO implements bus.MMIODevice.
func (b *BlockIO) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	switch offset {
	case BlockIOCommand:
		return BlockCmdNone, nil
	case BlockIOStatus:
		return b.status, nil
	case BlockIOStorage:
		return word.Word(b.storage), nil
	case BlockIOIndex:
		return word.Word(b.index), nil
	case BlockIOBuffer:
		return b.buffer, nil
	default:
		return 0, offsetError(b.Name(), offset)
	}
}

// WriteMMIO implements bus.MMIODevice. Writing BlockIOCommand with a
// non-zero command starts an operation against the storage id, block index
// and buffer address already staged in the other registers.
func (b *BlockIO) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	switch offset {
	case BlockIOStorage:
		b.storage = uint32(value)
		return nil
	case BlockIOIndex:
		b.index = uint32(value)
		return nil
	case BlockIOBuffer:
		b.buffer = value
		return nil
	case BlockIOCommand:
		return b.start(value)
	case BlockIOStatus:
		return fmt.Errorf("%w: %s", ErrReadOnly, offsetError(b.Name(), offset))
	default:
		return offsetError(b.Name(), offset)
	}
}

func (b *BlockIO) start(cmd word.Word) error {
	if cmd != BlockCmdRead && cmd != BlockCmdWrite {
		b.status = BlockStatusUnsupp
		return nil
	}

	if b.pending != nil {
		b.status = BlockStatusBusy
		return nil
	}

	b.status = BlockStatusBusy
	b.pending = &pendingBlockOp{
		cmd: cmd, storage: b.storage, index: b.index, bufAddr: b.buffer,
		deadline: b.cycle + b.latency,
	}

	return nil
}

// Tick advances the device's view of virtual time. cycle is the machine's
// virtual-clock instruction-round counter. A pending operation whose
// deadline has been reached is completed and its IRQ raised.
func (b *BlockIO) Tick(cycle uint64) {
	b.cycle = cycle

	if b.pending == nil || cycle < b.pending.deadline {
		return
	}

	op := b.pending
	b.pending = nil

	if err := b.complete(op); err != nil {
		b.status = BlockStatusIOErr
		b.log.Debug("block io failed", log.String("DEVICE", b.Name()), "error", err)
	} else {
		b.status = BlockStatusOK
	}

	b.in.Raise(b.irq)
}

func (b *BlockIO) complete(op *pendingBlockOp) error {
	store, ok := b.storages[op.storage]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNoStorage, op.storage)
	}

	off := int64(op.index) * BlockSize

	switch op.cmd {
	case BlockCmdRead:
		buf := make([]byte, BlockSize)
		if _, err := store.ReadAt(buf, off); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: id %d index %d", ErrStorageBounds, op.storage, op.index)
			}

			return fmt.Errorf("blockio: read: %w", err)
		}

		for i, v := range buf {
			if err := b.mem.WriteByte(b.core, op.bufAddr+word.Word(i), word.Byte(v)); err != nil {
				return fmt.Errorf("blockio: read: %w", err)
			}
		}
	case BlockCmdWrite:
		buf := make([]byte, BlockSize)

		for i := range buf {
			v, err := b.mem.ReadByte(b.core, op.bufAddr+word.Word(i))
			if err != nil {
				return fmt.Errorf("blockio: write: %w", err)
			}

			buf[i] = byte(v)
		}

		if _, err := store.WriteAt(buf, off); err != nil {
			return fmt.Errorf("blockio: write: %w", err)
		}
	}

	return nil
}
