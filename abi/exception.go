package abi

// ExceptionObject mirrors the first 32 bytes of the Itanium ABI's
// _Unwind_Exception header exactly, target-endian: an 8-byte
// exception class, a cleanup callback, and two engine-private words. Host
// languages append their own payload after this header by embedding it as
// the first field of a larger struct, the same convention libgcc's
// consumers use.
type ExceptionObject struct {
	ExceptionClass uint64
	Cleanup        CleanupFunc

	// private1 records the handler frame's CFA once phase 1 selects it
	// ("records the frame's CFA as the private_1 slot"), and is
	// read back by Resume to re-enter phase 2 at the right frame.
	private1 uintptr
	// private2 is reserved; the engine never assigns it a meaning itself,
	// matching the Itanium ABI's own silence on its use.
	private2 uintptr
}

// CleanupFunc is invoked when an exception's propagation ends without
// being caught, or when _Unwind_DeleteException is called directly.
type CleanupFunc func(reason ReasonCode, exc *ExceptionObject)

// HandlerCFA returns the CFA phase 1 recorded for this exception, and
// whether one has been recorded yet.
func (e *ExceptionObject) HandlerCFA() (uintptr, bool) {
	return e.private1, e.private1 != 0
}

func (e *ExceptionObject) setHandlerCFA(cfa uintptr) { e.private1 = cfa }

// DeleteException runs the exception's cleanup callback, if any, with
// reason FOREIGN_EXCEPTION_CAUGHT — the value libgcc's own
// _Unwind_DeleteException passes since the object is being discarded by
// its owner rather than by a language's own catch clause.
func DeleteException(exc *ExceptionObject) {
	if exc.Cleanup != nil {
		exc.Cleanup(ForeignExceptionCaught, exc)
	}
}
