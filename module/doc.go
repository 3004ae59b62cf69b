// Package module defines the pluggable processing module contract and the
// Registry that owns module lifecycle state.
//
// # Lifecycle
//
// Every module moves through seven states driven by eight operations:
//
//	prepare  unregistered         -> prepared
//	load     prepared             -> loaded
//	start    loaded, suspended    -> active
//	suspend  active               -> suspended
//	resume   suspended            -> active
//	stop     active, suspended    -> stopped
//	unload   stopped              -> unloaded
//	cleanup  any                  -> unregistered
//
// The Registry is the sole owner of state. A call that is not legal from the
// current state fails with errors.ErrInvalidTransition and leaves the state
// untouched. When the module's own hook fails on a legal transition the state
// is also left untouched and the hook error is returned.
//
// Transitions for one module are serialized by a per-module lock, so racing
// start and stop calls observe a strict total order. Process calls use a
// separate lock that is only taken for modules whose capabilities do not
// declare Reentrant.
//
// # Usage
//
//	reg := module.NewRegistry(logger, metrics)
//	if err := reg.Register("validate", validate.New(cfg)); err != nil {
//		return err
//	}
//	if err := reg.Bootstrap(ctx, "validate"); err != nil {
//		return err
//	}
//	outcome, err := reg.Process(ctx, "validate", msg, pctx)
package module
