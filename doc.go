/*
Package nvcfg keeps typed configuration values in RAM and persists them to
flash-like block storage in the background.

We implement:

1. Cells, typed values addressed by a hierarchical path such as "wifi/ssid".
Each module declares its own cells; the application attaches them all to one
registry at startup.

2. A registry of fixed capacity, holding attached cells sorted by key.

3. A storage worker that loads every cell in one pass at boot, and later writes
changed cells in batches of one page per transaction.

4. Backends: Bolt, a log-structured store (package logstore), and an in-memory
one for tests.

# Technical Details

**Keys.**
A path maps to an 8-byte key derived from xxhash64 of the path (see KeyCodec).
Keys are never stored alongside paths, so two paths with equal keys are
indistinguishable. Duplicates among attached cells are detected by Attach;
collisions with unknown records are not. CollisionProbability helps pick the
key width.

**Reads and writes.**
Read and Write only touch memory and never wait for I/O. Write marks the cell
Dirty and wakes the worker. The worker waits Debounce after the first change
(or until a page worth of changes accumulates, or Commit asks for it), then
stages Dirty cells into the page in key order and commits the page as a single
backend transaction.

**Failures.**
A record that cannot be decoded leaves the cell at its default in the Failed
state; the stored bytes are not overwritten until the application writes the
cell. A failed transaction leaves its cells Failed with their values intact;
the worker retries with exponential backoff up to Options.MaxRetries.

## Binary encoding

**Page record**: key (8 bytes), value size (uvarint), value.

**Versioned value** (see Versioned):
1. Flags (uvarint).
2. Schema version (uvarint).
3. Encoded data of the inner codec.
*/
package nvcfg
