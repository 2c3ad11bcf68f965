//go:build linux && ioringdebug

package ioring

import "code.hybscloud.com/atomix"

func markReserved(state *atomix.Int32, idx uint32) {
	if !state.CompareAndSwapAcqRel(int32(SlotReadyForPreparation), int32(SlotReservedForPreparation)) {
		panic("ioring: slot " + uitoa(idx) + " acquired while in state " + SlotState(state.LoadAcquire()).String())
	}
}
