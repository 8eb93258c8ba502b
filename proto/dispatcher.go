package proto

// LocalDispatcher routes requests directly to a Handler in-process. It
// exists so reconciliation and tests can exercise the full append/replace
// path without a real gossip transport; the transport is an external
// collaborator this package never implements, and LocalDispatcher is the
// minimal in-process stand-in for it.
type LocalDispatcher struct {
	Handler Handler
}

// RequestGetBaseDir implements the RequestClient shape the reconciliation
// engine uses to ask a candidate peer for its BaseDirState.
func (d LocalDispatcher) RequestGetBaseDir(req GetBaseDir) (BaseDirState, error) {
	return d.Handler.HandleGetBaseDir(req)
}

// RequestAppendDir dispatches an AppendDir to the handler.
func (d LocalDispatcher) RequestAppendDir(req AppendDir) (Upload, error) {
	return d.Handler.HandleAppendDir(req)
}

// RequestReplaceDir dispatches a ReplaceDir to the handler.
func (d LocalDispatcher) RequestReplaceDir(req ReplaceDir) (Upload, error) {
	return d.Handler.HandleReplaceDir(req)
}
