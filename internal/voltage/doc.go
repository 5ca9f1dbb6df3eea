// Package voltage buffers channelized voltage payloads in a fixed-capacity
// ring and dumps the retained window, oldest first, to an array file.
//
// Payloads arrive from the capture path as fixed-layout frames:
//
//	offset  size          field
//	0       8             sample counter (little-endian uint64)
//	8       2*Channels*2  POL A then POL B, each Channels × [Re Im] int8
//
// The sample block is viewed in place as a (pol, channel, reim) tensor of
// shape (2, Channels, 2), polarization slowest-varying, so decoding a payload
// into the ring is a single copy of PayloadSize-8 bytes.
//
// DumpRing is not safe for concurrent use. Callers serialize Push and Dump.
package voltage
