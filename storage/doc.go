// Package storage provides the partitions a fastboot device flashes, erases
// and reads back.
//
// A [Table] maps partition names to [Partition] backends ([MemoryPartition]
// for simulation, [FilePartition] for image files and block devices) and
// resolves A/B slot suffixes. The bootloader state that survives reboots
// (active slot, lock state, per-slot boot metadata) is a [BootState]
// persisted as CBOR by a [StateStore].
package storage
