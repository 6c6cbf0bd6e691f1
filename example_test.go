package bridgehook_test

import (
	"fmt"

	hook "github.com/brahma-adshonor/bridgehook"
)

// Force both arguments of an int(int, int) function to 10 before the
// original runs, then observe its return value afterwards.
func Example() {
	conv, err := hook.NewDefaultConvention(
		[]hook.DataObject{hook.Arg(hook.Int), hook.Arg(hook.Int)},
		hook.Arg(hook.Int))
	if err != nil {
		fmt.Println(err)
		return
	}

	var addAddr uintptr // address of the native function to intercept
	if addAddr == 0 {
		return // nothing to hook in this example
	}

	h, err := hook.NewDetour(addAddr, conv)
	if err != nil {
		fmt.Println(err)
		return
	}

	h.AddCallback(hook.Pre, func(_ hook.CallbackType, hk *hook.Hook) hook.ReturnAction {
		_ = hook.SetArgument[int32](hk, 0, 10)
		_ = hook.SetArgument[int32](hk, 1, 10)
		return hook.Ignored
	})
	h.AddCallback(hook.Post, func(_ hook.CallbackType, hk *hook.Hook) hook.ReturnAction {
		fmt.Println("returned", hook.Return[int32](hk))
		return hook.Ignored
	})

	if err := h.Hook(); err != nil {
		fmt.Println(err)
		return
	}
	defer func() { _ = h.Close() }()
}

// Short-circuit a function entirely: the original body never runs and the
// caller sees the callback's value.
func Example_supercede() {
	conv, err := hook.NewDefaultConvention(
		[]hook.DataObject{hook.Arg(hook.Int), hook.Arg(hook.Int)},
		hook.Arg(hook.Int))
	if err != nil {
		return
	}

	var target uintptr
	if target == 0 {
		return
	}

	h, _ := hook.NewDetour(target, conv)
	h.AddCallback(hook.Pre, func(_ hook.CallbackType, hk *hook.Hook) hook.ReturnAction {
		hook.SetReturn[int32](hk, 99)
		return hook.Supercede
	})
	_ = h.Hook()
	defer func() { _ = h.Close() }()
}
