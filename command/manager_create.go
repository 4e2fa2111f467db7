package command

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/gpuforge/foundry/rhiutils"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = rhiutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}

func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// ManagerCreateExternallySynchronized ensures that this manager will not be synchronized
	// internally. The consumer must guarantee AllocateContext and FreeContext are called from
	// only one thread at a time or are synchronized by some other mechanism, but performance
	// may improve because internal mutexes are not used.
	ManagerCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	ManagerCreateExternallySynchronized.Register("ManagerCreateExternallySynchronized")
}

const (
	// defaultUploadPageSize is the upload-page size used when none is provided via
	// CreateOptions. It is equal to 2Mb.
	defaultUploadPageSize int = 2 * 1024 * 1024
	// defaultDescriptorChunkSize is the number of descriptor slots reserved per chunk when
	// none is provided via CreateOptions
	defaultDescriptorChunkSize int = 256
)

// CreateOptions contains optional settings when creating a ContextManager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags

	// Logger is the *slog.Logger this manager and the contexts it issues will log to. If
	// one is not provided, log output is discarded.
	Logger *slog.Logger

	// UploadPageSize is the size in bytes of the pages each context's scoped upload
	// allocator draws from the device. Must be a power of two if provided.
	UploadPageSize int

	// DescriptorChunkSize is the number of descriptor slots each context's dynamic
	// descriptor suballocator reserves at a time
	DescriptorChunkSize int
}

// NewContextManager creates a ContextManager issuing recording contexts backed by device.
// The manager owns every context it ever constructs and must outlive them all; construct
// one per device and pass it down to whatever records work.
func NewContextManager(device Device, o CreateOptions) (*ContextManager, error) {
	if device == nil {
		return nil, errors.New("attempted to create a ContextManager with no device")
	}

	uploadPageSize := o.UploadPageSize
	if uploadPageSize == 0 {
		uploadPageSize = defaultUploadPageSize
	}
	err := rhiutils.CheckPow2(uint(uploadPageSize), "CreateOptions.UploadPageSize")
	if err != nil {
		return nil, err
	}

	descriptorChunkSize := o.DescriptorChunkSize
	if descriptorChunkSize == 0 {
		descriptorChunkSize = defaultDescriptorChunkSize
	}
	if descriptorChunkSize < 0 {
		return nil, errors.Errorf("CreateOptions.DescriptorChunkSize is %d, but must be positive", descriptorChunkSize)
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	manager := &ContextManager{
		logger: logger,
		device: device,

		uploadPageSize:      uploadPageSize,
		descriptorChunkSize: descriptorChunkSize,

		pools:      make(map[QueueType]*contextPool),
		checkedOut: swiss.NewMap[uint64, *CommandContext](42),
	}
	manager.mutex.UseMutex = o.Flags&ManagerCreateExternallySynchronized == 0

	return manager, nil
}
