//go:build linux && !ioringdebug

package ioring

import "code.hybscloud.com/atomix"

func markReserved(state *atomix.Int32, _ uint32) {
	state.StoreRelease(int32(SlotReservedForPreparation))
}
