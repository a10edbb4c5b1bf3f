// Package limits provides the size limits shared by the frame buffer and the
// packet codec.
//
// # Size Hierarchy
//
//   - LengthPrefixSize (4 bytes): every frame starts with a signed 32-bit
//     big-endian length that counts itself.
//   - MinFrameBody: the smallest inbound frame body that can hold an sso
//     envelope (type, flag, zero byte, account length, one cipher block pair).
//   - MinOicqEnvelope: the smallest login-path envelope (fixed header and tail).
//   - MaxFrameSize (16 MiB): the largest frame the engine will buffer. A peer
//     that declares a larger frame is treated as a corrupt stream.
//
// # Validation Functions
//
//	if err := limits.ValidateFrameLength(declared); err != nil {
//	    // ErrFrameLength: header is shorter than itself or larger than MaxFrameSize
//	}
package limits
