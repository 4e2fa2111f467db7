package rhiutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested
// is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfDeviceSpaceError is the error returned when the device layer cannot satisfy a request for
// a new backing page, descriptor range, or recording handle. It indicates genuine resource
// exhaustion rather than a caller bug, and is surfaced to the caller without any internal retry.
var OutOfDeviceSpaceError error = errors.New("device could not satisfy the allocation request")
