// SPDX-License-Identifier: Apache-2.0
package ir

import "strconv"

// Generated-name prefixes (spec.md §6, invariant 6: "Generated blocks,
// functions, and globals carry names distinguishable from originals"). Every
// pass that synthesizes a name builds it from one of these constants so a
// reader (or another pass checking "is this mine") can tell synthetic IR
// apart from the original program at a glance.
const (
	BlockObfCont     = "obf_cont"
	BlockObfDead     = "obf_dead"
	BlockObfNest     = "obf_nest"
	BlockObfNestDead = "obf_nest_dead"
	BlockFakeLoop    = "fake_loop"
	BlockFakeExit    = "fake_exit"
	BlockCFFDispatch = "cff_dispatch"
	BlockCFFEnd      = "cff_end"
	BlockDecryptLoop = "decrypt_loop"
	BlockDecryptBody = "decrypt_body"
	BlockDecryptExit = "decrypt_exit"
	BlockDispatch    = "dispatch"
	BlockResolveAPI  = "resolve_api"
	BlockCallAPI     = "call_api"
	BlockDebuggerHit = "debugger_detected"
	BlockAnalysisHit = "analysis_detected"
	BlockTampered    = "tampered"
	BlockIntegrityOK = "integrity_continue"

	FuncDecryptCtor    = "__obf_decrypt_ctor"
	FuncDecryptCtorRC4 = "__obf_decrypt_ctor_rc4"
	FuncRC4Decrypt     = "__rc4_decrypt"
	FuncDecryptPrefix  = "__decrypt_"
	FuncDecryptRC4Pfx  = "__decrypt_rc4_"
	FuncCheckDebugger  = "__check_debugger"
	FuncCheckAnalysis  = "__check_analysis"
	FuncTLSCallback    = "__tls_antidebug_callback"
	FuncResolveAPI     = "__resolve_api"
	FuncAPIHash        = "__api_hash"

	GlobalFuncTable       = "__func_table"
	GlobalCachePrefix     = "__cache_"
	GlobalRC4KeyPrefix    = "__rc4_key_"
	GlobalRC4LazyKeyPfx   = "__rc4_lazy_key_"
	GlobalObfKeyPrefix    = "__obf_key_"
	GlobalTLSCallbackArr  = "__tls_callback_array"
	GlobalDecryptedPrefix = "__decrypted_"
	GlobalDecryptedRC4Pfx = "__decrypted_rc4_"
	GlobalChecksumSuffix  = "_checksum"
	GlobalVMKeySuffix     = "_vm_key"
)

// VariantFuncName builds the name of the n-th polymorphic clone of fname.
func VariantFuncName(fname string, n int) string {
	return fname + "_variant_" + strconv.Itoa(n)
}

// DispatchFuncName builds the name of fname's polymorphic dispatcher, which
// takes over fname's externally visible identity (spec.md §4.15).
func DispatchFuncName(fname string) string {
	return fname + "_dispatch"
}
