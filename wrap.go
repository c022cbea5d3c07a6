package bucketcache

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Func is the shape of a memoizable function. The signature binder resolves
// every call into named arguments plus surplus positionals before fn runs,
// so equivalent calls reach fn in identical form.
type Func func(args map[string]any, varargs []any) (any, error)

// HitFunc receives call metadata on cache hits.
type HitFunc func(info CallInfo)

// CallInfo is the snapshot handed to a hit callback. It is built per hit
// and never persisted.
type CallInfo struct {
	// VarArgs holds the call's surplus positional arguments.
	VarArgs []any

	// Args maps every parameter name to its bound value, including ignored
	// parameters and the skip-cache flag.
	Args map[string]any

	// ReturnValue is the cached value being returned.
	ReturnValue any

	// ExpirationDate is when the entry expires, zero if it never does.
	ExpirationDate time.Time

	// Instance is the receiver for method-mode wraps, nil otherwise.
	Instance any
}

// WrapOption configures Bucket.Wrap.
type WrapOption func(*CachedFunc)

// WithMethod marks the function as instance-bound: the signature's first
// parameter is the receiver. The receiver's exported state replaces its
// identity in key material, so two instances in equal states share cached
// results, and the receiver is passed to hit callbacks.
func WithMethod() WrapOption {
	return func(cf *CachedFunc) {
		cf.method = true
	}
}

// WithNoCacheParam names a boolean parameter that, when true at call time,
// bypasses the cache lookup but still stores the fresh result. The
// parameter itself never contributes to key material, so a bypassed call
// refreshes the entry later calls will hit.
func WithNoCacheParam(name string) WrapOption {
	return func(cf *CachedFunc) {
		cf.nocache = name
	}
}

// WithIgnore excludes the named parameters from key material. Ignoring a
// var-positional parameter's name drops all surplus positionals from the
// key; ignoring a var-keyword parameter's name drops all absorbed
// keywords.
func WithIgnore(names ...string) WrapOption {
	return func(cf *CachedFunc) {
		for _, name := range names {
			cf.ignore[name] = true
		}
	}
}

// WithSingleFlight collapses concurrent misses of the same key into a
// single invocation whose result every caller receives.
func WithSingleFlight() WrapOption {
	return func(cf *CachedFunc) {
		cf.group = new(singleflight.Group)
	}
}

// CachedFunc memoizes calls to one function through a Bucket.
// Wrap configures it; Call and CallKw invoke it.
type CachedFunc struct {
	bucket  *Bucket
	sig     Signature
	fn      Func
	method  bool
	nocache string
	ignore  map[string]bool
	group   *singleflight.Group

	mu       sync.Mutex
	callback HitFunc
}

// Wrap returns a cached version of fn, described by sig. Configuration
// problems are reported here rather than at call time: a malformed
// signature, a skip-cache or ignored parameter name missing from the
// signature, a method wrap without a receiver parameter.
func (b *Bucket) Wrap(sig Signature, fn Func, options ...WrapOption) (*CachedFunc, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}

	cf := &CachedFunc{
		bucket: b,
		sig:    sig,
		fn:     fn,
		ignore: make(map[string]bool),
	}
	for _, option := range options {
		option(cf)
	}

	errs := sig.validate()
	if cf.nocache != "" {
		if _, ok := sig.param(cf.nocache); !ok {
			errs = append(errs, fmt.Errorf("skip-cache parameter %q not in signature", cf.nocache))
		}
	}
	for _, name := range sortedKeys(cf.ignore) {
		if _, ok := sig.param(name); !ok {
			errs = append(errs, fmt.Errorf("ignored parameter %q not in signature", name))
		}
	}
	if cf.method {
		if len(sig.Params) == 0 || sig.Params[0].Kind != Positional {
			errs = append(errs, errors.New("method signature needs a leading positional receiver parameter"))
		}
	}
	if err := newValidationError(errs); err != nil {
		return nil, err
	}
	return cf, nil
}

// OnHit registers fn to be called synchronously on every cache hit.
// At most one callback can be registered per CachedFunc; a second
// registration fails with ErrCallbackRegistered.
func (cf *CachedFunc) OnHit(fn HitFunc) error {
	if fn == nil {
		return errors.New("nil hit callback")
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.callback != nil {
		return ErrCallbackRegistered
	}
	cf.callback = fn
	return nil
}

// Call invokes the wrapped function with positional arguments only.
func (cf *CachedFunc) Call(args ...any) (any, error) {
	return cf.CallKw(args, nil)
}

// CallKw invokes the wrapped function with positional and keyword
// arguments. The call is bound against the signature, fingerprinted, and
// served from the bucket when a live entry exists; otherwise the function
// runs and its result is stored. Calls that bind identically hit the same
// entry regardless of how their arguments were spelled.
func (cf *CachedFunc) CallKw(args []any, kwargs map[string]any) (any, error) {
	if cf.method && len(args) == 0 {
		return nil, fmt.Errorf("%s is bound to an instance and takes the receiver as its first positional argument", cf.sig.Name)
	}

	named, varArgs, err := cf.sig.bind(args, kwargs)
	if err != nil {
		return nil, err
	}

	var instance any
	if cf.method {
		instance = args[0]
	}

	skip := false
	if cf.nocache != "" {
		if flag, ok := named[cf.nocache].(bool); ok {
			skip = flag
		}
	}

	key, err := cf.bucket.fingerprint(cf.keyMaterial(named, varArgs, instance))
	if err != nil {
		return nil, err
	}

	if !skip {
		value, expiresAt, err := cf.bucket.getByKey(key)
		switch {
		case err == nil:
			getLogger().Debug().Str("function", cf.sig.Name).Str("key", key).Msg("call served from cache")
			if cb := cf.hitCallback(); cb != nil {
				cb(CallInfo{
					VarArgs:        varArgs,
					Args:           named,
					ReturnValue:    value,
					ExpirationDate: expiresAt,
					Instance:       instance,
				})
			}
			return value, nil
		case !errors.Is(err, ErrKeyNotFound):
			return nil, err
		}
	}

	return cf.invoke(key, named, varArgs, instance)
}

// invoke runs the underlying function, verifies the call's fingerprint is
// unchanged, and stores the result under key. No callback fires on this
// path: a miss or a deliberate bypass is not a hit.
func (cf *CachedFunc) invoke(key string, named map[string]any, varArgs []any, instance any) (any, error) {
	call := func() (any, error) {
		getLogger().Debug().Str("function", cf.sig.Name).Str("key", key).Msg("invoking function")
		value, err := cf.fn(named, varArgs)
		if err != nil {
			return nil, err
		}

		// Re-derive the fingerprint from the live arguments. A mismatch
		// means the function mutated them, and the entry would be stored
		// under a key the original call can never produce again.
		postKey, err := cf.bucket.fingerprint(cf.keyMaterial(named, varArgs, instance))
		if err != nil {
			return nil, err
		}
		if postKey != key {
			return nil, &MutatedArgumentsError{Function: cf.sig.Name}
		}

		if err := cf.bucket.setByKey(key, value); err != nil {
			return nil, err
		}
		return value, nil
	}

	if cf.group != nil {
		value, err, _ := cf.group.Do(key, func() (any, error) {
			return call()
		})
		return value, err
	}
	return call()
}

// keyMaterial assembles the key material for one bound call: the static
// signature plus the dynamic arguments, with ignored parameters and the
// skip-cache flag removed and the method receiver replaced by its state.
func (cf *CachedFunc) keyMaterial(named map[string]any, varArgs []any, instance any) callKey {
	args := make(map[string]any, len(named))
	for name, value := range named {
		if cf.ignore[name] {
			continue
		}
		if cf.nocache != "" && name == cf.nocache {
			continue
		}
		args[name] = value
	}

	if cf.method {
		receiver := cf.sig.Params[0].Name
		if _, kept := args[receiver]; kept {
			args[receiver] = instanceState(instance)
		}
	}

	material := callKey{
		Function: cf.sig.Name,
		Method:   cf.method,
		Params:   cf.sig.Params,
		Args:     args,
	}
	if varPos, ok := cf.sig.varParam(VarPositional); !ok || !cf.ignore[varPos.Name] {
		material.VarArgs = varArgs
	}
	return material
}

// hitCallback returns the registered callback, if any.
func (cf *CachedFunc) hitCallback() HitFunc {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.callback
}

// callKey is the key material of one bound call. The static signature is
// part of it, so editing the wrapped function's signature invalidates its
// previously cached calls.
type callKey struct {
	Function string
	Method   bool
	Params   []Param
	VarArgs  []any
	Args     map[string]any
}

// instanceState snapshots the externally visible state of a method
// receiver: the exported fields for struct receivers, the value itself
// otherwise. Two receivers in equal states yield equal key material.
func instanceState(instance any) any {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return instance
	}

	t := v.Type()
	state := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		state[f.Name] = v.Field(i).Interface()
	}
	return state
}
