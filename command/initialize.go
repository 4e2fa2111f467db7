package command

import (
	"github.com/cockroachdb/errors"
)

// uploadAlignment is the alignment staged upload data is placed at. It matches the
// placement alignment drivers require for buffer and texture copy sources.
const uploadAlignment uint = 256

// InitializeBuffer stages data into scratch upload memory and records a copy into dest at
// destOffset on a graphics context, transitioning dest to the copy-destination state for
// the copy and leaving it in the generic-read state. The call blocks until the copy has
// completed on the device, so the caller's data slice may be reused immediately.
func InitializeBuffer(manager *ContextManager, dest GpuResource, data []byte, destOffset int) error {
	if len(data) == 0 {
		return errors.New("InitializeBuffer was given no data to stage")
	}

	ctx, err := Begin(manager, "InitializeBuffer")
	if err != nil {
		return err
	}

	err = stageAndCopy(ctx, dest, func() error {
		staged, err := ctx.AllocateDynamicSpace(len(data), uploadAlignment)
		if err != nil {
			return err
		}
		copy(staged.Bytes(), data)

		return ctx.recordingHandle.RecordCopy(dest, destOffset, staged, len(data))
	})
	if err != nil {
		// Return the context with its recorded work discarded
		manager.FreeContext(ctx)
		return err
	}

	_, err = ctx.Finish(true, false)
	return err
}

// InitializeTexture stages each subresource's data into scratch upload memory and records
// per-subresource copies into dest, following the same transition discipline as
// InitializeBuffer. The call blocks until the copies have completed on the device.
func InitializeTexture(manager *ContextManager, dest GpuResource, subresources []SubresourceData) error {
	if len(subresources) == 0 {
		return errors.New("InitializeTexture was given no subresources to stage")
	}

	ctx, err := Begin(manager, "InitializeTexture")
	if err != nil {
		return err
	}

	err = stageAndCopy(ctx, dest, func() error {
		for i, subresource := range subresources {
			if len(subresource.Data) == 0 {
				return errors.Errorf("subresource %d carries no data", i)
			}

			staged, err := ctx.AllocateDynamicSpace(len(subresource.Data), uploadAlignment)
			if err != nil {
				return err
			}
			copy(staged.Bytes(), subresource.Data)

			if err := ctx.recordingHandle.RecordTextureCopy(dest, i, staged); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		manager.FreeContext(ctx)
		return err
	}

	_, err = ctx.Finish(true, false)
	return err
}

// stageAndCopy brackets recordCopies with the copy-destination transition in and the
// generic-read transition out, batched the same way as any other transition.
func stageAndCopy(ctx *CommandContext, dest GpuResource, recordCopies func() error) error {
	if err := ctx.TransitionResource(dest, ResourceStateCopyDest, true); err != nil {
		return err
	}
	if err := recordCopies(); err != nil {
		return err
	}
	return ctx.TransitionResource(dest, ResourceStateGenericRead, true)
}
