// SPDX-License-Identifier: Apache-2.0

// Package strcipher implements C11, the string cipher: it locates
// null-terminated byte-string globals, encrypts their initializers in
// place, and synthesizes the runtime machinery that recovers the plaintext
// — either a startup constructor or a per-string lazy decryptor stub
// (spec.md §4.11). This is the hardest module-scoped pass in the pipeline:
// it is the only one that mutates global storage and registers new
// module-level functions and constructors, rather than rewriting a single
// function's instructions.
package strcipher

import (
	"crypto/rc4"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/pbkdf2"

	"irobf/internal/config"
	"irobf/internal/ir"
	"irobf/internal/rng"
)

// Record is the per-string bookkeeping the pass emits, named directly after
// spec.md §4.11's "encrypted-string record" (the {globalRef, length, salt,
// derivedKey, cipher, codeHashSeed} tuple, plus the RotatingXOR variant's
// {keys, baseKey} fields).
type Record struct {
	Global       *ir.GlobalVariable
	Length       int
	Salt         []byte
	DerivedKey   []byte
	Cipher       config.StringCipher
	CodeHashSeed uint64
	Keys         []byte
	BaseKey      byte
}

// FindCandidates returns every constant global in m whose initializer is a
// null-terminated byte sequence (spec.md §4.11 "Identify candidates"),
// excluding globals a pass has marked NoStringCipher (runtime decrypt keys,
// flags, and similar machinery this pass or another one already wired a
// fixed reader to).
func FindCandidates(m *ir.Module) []*ir.GlobalVariable {
	var out []*ir.GlobalVariable
	for _, g := range m.Globals {
		if g.NoStringCipher {
			continue
		}
		b, ok := g.Initializer.([]byte)
		if !ok || len(b) == 0 || b[len(b)-1] != 0 {
			continue
		}
		out = append(out, g)
	}
	return out
}

// EncryptModule runs the per-string transformation over every candidate
// global in m, mutating each initializer in place and returning the
// records the stub-synthesis step needs. The module fingerprint is
// computed once up front (spec.md §4.11 "Pre-pass: module fingerprint") and
// used to seed RC4-family key derivation, so tampering with any function's
// code changes every derived key and silently breaks decryption.
func EncryptModule(m *ir.Module, s *rng.Stream, cfg *config.Config) []Record {
	fingerprint := m.Fingerprint()
	var records []Record
	for _, g := range FindCandidates(m) {
		switch cfg.StringCipherKind {
		case config.RC4, config.RC4withPBKDF2:
			records = append(records, encryptRC4(g, s, cfg, fingerprint))
		default:
			records = append(records, encryptRotatingXOR(g, s))
		}
	}
	return records
}

func encryptRC4(g *ir.GlobalVariable, s *rng.Stream, cfg *config.Config, fingerprint uint64) Record {
	plain := g.Initializer.([]byte)

	salt := s.NonZeroBytes(8)
	password := make([]byte, 8)
	binary.BigEndian.PutUint64(password, fingerprint)
	key := pbkdf2.Key(password, salt, cfg.PBKDF2Iterations, 16, sha256.New)

	cipherText := make([]byte, len(plain))
	c, err := rc4.NewCipher(key)
	if err != nil {
		// key length is fixed at 16 bytes above; NewCipher only rejects
		// lengths outside [1,256], so this branch is unreachable in
		// practice and left as a conservative no-op rather than a panic.
		copy(cipherText, plain)
	} else {
		c.XORKeyStream(cipherText, plain)
	}

	g.Initializer = cipherText
	g.Comdat = ""
	g.Section = ""
	g.Linkage = ir.LinkageInternal
	g.IsConstant = false

	return Record{
		Global:       g,
		Length:       len(plain),
		Salt:         salt,
		DerivedKey:   key,
		Cipher:       config.RC4withPBKDF2,
		CodeHashSeed: fingerprint,
	}
}

func encryptRotatingXOR(g *ir.GlobalVariable, s *rng.Stream) Record {
	plain := g.Initializer.([]byte)

	keyLen := 2 + s.Intn(3) // 2-4 bytes
	keys := s.Bytes(keyLen)
	baseKey := byte(s.Intn(256))

	cipherText := make([]byte, len(plain))
	for i, b := range plain {
		k := keys[i%len(keys)] ^ baseKey ^ byte(i&0xFF)
		cipherText[i] = b ^ k
	}

	obfuscatedKeys := make([]byte, len(keys))
	for i, k := range keys {
		obfuscatedKeys[i] = k ^ baseKey
	}

	g.Initializer = cipherText
	g.Comdat = ""
	g.Section = ""
	g.Linkage = ir.LinkageInternal
	g.IsConstant = false

	return Record{
		Global:  g,
		Length:  len(plain),
		Cipher:  config.RotatingXOR,
		Keys:    obfuscatedKeys,
		BaseKey: baseKey,
	}
}

// Run drives the whole of C11 over m: encrypt every candidate string global,
// then synthesize the runtime recovery machinery in whichever mode
// cfg.DecryptAtStartup selects. Returns the records produced, mainly for the
// report (C17) to summarize. A nil/empty return means m had no candidate
// strings.
func Run(m *ir.Module, s *rng.Stream, cfg *config.Config) []Record {
	records := EncryptModule(m, s, cfg)
	if len(records) == 0 {
		return nil
	}
	if cfg.DecryptAtStartup {
		SynthesizeStartupConstructors(m, records)
	} else {
		for i, rec := range records {
			SynthesizeLazyStub(m, rec, i)
		}
	}
	return records
}
