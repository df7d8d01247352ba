package minix3

import (
	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
)

// zoneWalk carries the running counters of a read across zone levels.
type zoneWalk struct {
	out       []byte
	written   int
	offset    int
	remaining int
}

// readData returns the inode's content. Zero zone pointers are holes and
// contribute no bytes, so the content is laid out in pointer order.
func (fs *FS) readData(ino *Inode) ([]byte, error) {
	w := &zoneWalk{
		out:       make([]byte, ino.Size),
		remaining: int(ino.Size),
	}
	for i, z := range ino.Zones {
		if w.remaining == 0 {
			break
		}
		if z == 0 {
			continue
		}
		if err := fs.readZone(z, zoneLevel(i), w); err != nil {
			return nil, err
		}
	}
	return w.out, nil
}

func (fs *FS) readZone(zone uint32, level int, w *zoneWalk) error {
	if w.remaining == 0 {
		return nil
	}
	log.Tracef("[Minix3] reading zone %d, level %d", zone, level)
	data, err := fs.readBlock(uint64(zone))
	if err != nil {
		return err
	}

	if level == 0 {
		if w.offset >= len(data) {
			w.offset -= len(data)
			return nil
		}
		data = data[w.offset:]
		w.offset = 0
		n := copy(w.out[w.written:], data[:min(len(data), w.remaining)])
		w.written += n
		w.remaining -= n
		return nil
	}

	for i := 0; i+4 <= len(data); i += 4 {
		next := le.Uint32(data[i : i+4])
		if next == 0 {
			continue
		}
		if err := fs.readZone(next, level-1, w); err != nil {
			return err
		}
		if w.remaining == 0 {
			break
		}
	}
	return nil
}

// pointersPerBlock is the number of zone pointers in an indirect block.
func (fs *FS) pointersPerBlock() uint64 {
	return uint64(fs.blockSize / 4)
}

// maxFileBlocks is the number of data blocks an inode can address.
func (fs *FS) maxFileBlocks() uint64 {
	p := fs.pointersPerBlock()
	return DirectZones + p + p*p + p*p*p
}

// writeData replaces the inode's content with data, rewriting the zones it
// already holds and allocating only the blocks the new layout adds. Zones
// past the new end are released afterwards. When the map cannot supply the
// extra zones the inode and its content are left untouched. The caller
// persists the inode.
func (fs *FS) writeData(ino *Inode, data []byte) error {
	bs := fs.blockSize
	nblocks := uint64((len(data) + bs - 1) / bs)
	if nblocks > fs.maxFileBlocks() || uint64(len(data)) > uint64(^uint32(0)) {
		return common.ErrFileTooLarge
	}
	if fs.sb != nil && fs.sb.MaxSize != 0 && uint64(len(data)) > uint64(fs.sb.MaxSize) {
		return common.ErrFileTooLarge
	}

	missing, err := fs.missingZones(ino, nblocks)
	if err != nil {
		return err
	}
	if missing > 0 {
		zm := fs.zoneMap()
		used, err := zm.count()
		if err != nil {
			return err
		}
		if used+missing > zm.limit {
			log.Debugf("[Minix3] write of %d bytes needs %d new zones, %d free", len(data), missing, zm.limit-used)
			return common.ErrNoSpace
		}
	}

	for b := uint64(0); b < nblocks; b++ {
		zone, err := fs.mapBlock(ino, b)
		if err != nil {
			return err
		}
		block := make([]byte, bs)
		copy(block, data[b*uint64(bs):])
		if err := fs.writeBlock(uint64(zone), block); err != nil {
			return err
		}
	}
	if err := fs.truncateZones(ino, nblocks); err != nil {
		return err
	}

	ino.Size = uint32(len(data))
	ino.Mtime = fs.timestamp()
	return nil
}

// treeSpan is the number of data blocks a tree of the given level covers.
func (fs *FS) treeSpan(level int) uint64 {
	span := uint64(1)
	for range level {
		span *= fs.pointersPerBlock()
	}
	return span
}

// blockSlot locates logical block b: the zone slot whose tree holds it and
// the pointer index at each indirect level, outermost first.
func (fs *FS) blockSlot(b uint64) (int, []uint64) {
	if b < DirectZones {
		return int(b), nil
	}
	b -= DirectZones
	p := fs.pointersPerBlock()
	for slot := DirectZones; slot < NumZones; slot++ {
		level := zoneLevel(slot)
		span := fs.treeSpan(level)
		if b < span {
			path := make([]uint64, level)
			for i := level - 1; i >= 0; i-- {
				path[i] = b % p
				b /= p
			}
			return slot, path
		}
		b -= span
	}
	return -1, nil
}

// treeNode names one node of an inode's zone trees.
type treeNode struct {
	slot   int
	depth  int
	prefix [3]uint64
}

// missingZones counts the zones, data and indirect, that a dense layout of
// nblocks blocks needs beyond those the inode already references.
func (fs *FS) missingZones(ino *Inode, nblocks uint64) (uint64, error) {
	var missing uint64
	counted := make(map[treeNode]bool)
	for b := uint64(0); b < nblocks; b++ {
		slot, path := fs.blockSlot(b)
		zone := ino.Zones[slot]
		depth := 0
		for zone != 0 && depth < len(path) {
			data, err := fs.readBlock(uint64(zone))
			if err != nil {
				return 0, err
			}
			zone = le.Uint32(data[path[depth]*4:])
			depth++
		}
		if zone != 0 {
			continue
		}
		for ; depth <= len(path); depth++ {
			node := treeNode{slot: slot, depth: depth}
			copy(node.prefix[:], path[:depth])
			if !counted[node] {
				counted[node] = true
				missing++
			}
		}
	}
	return missing, nil
}

// mapBlock returns the data zone of logical block b, allocating it and any
// indirect blocks on the way.
func (fs *FS) mapBlock(ino *Inode, b uint64) (uint32, error) {
	slot, path := fs.blockSlot(b)
	if slot < 0 {
		return 0, common.ErrFileTooLarge
	}
	if ino.Zones[slot] == 0 {
		z, err := fs.allocZone()
		if err != nil {
			return 0, err
		}
		ino.Zones[slot] = z
	}
	zone := ino.Zones[slot]
	for _, i := range path {
		data, err := fs.readBlock(uint64(zone))
		if err != nil {
			return 0, err
		}
		next := le.Uint32(data[i*4:])
		if next == 0 {
			if next, err = fs.allocZone(); err != nil {
				return 0, err
			}
			le.PutUint32(data[i*4:], next)
			if err := fs.writeBlock(uint64(zone), data); err != nil {
				return 0, err
			}
		}
		zone = next
	}
	return zone, nil
}

// truncateZones releases every block at or past logical block keep and
// the indirect blocks left covering nothing.
func (fs *FS) truncateZones(ino *Inode, keep uint64) error {
	var base uint64
	for i, z := range ino.Zones {
		level := zoneLevel(i)
		if z != 0 {
			kept, err := fs.trimTree(z, level, base, keep)
			if err != nil {
				return err
			}
			if !kept {
				ino.Zones[i] = 0
			}
		}
		base += fs.treeSpan(level)
	}
	return nil
}

// trimTree trims the tree at zone, whose first data block is logical block
// base, and reports whether zone itself is still in use.
func (fs *FS) trimTree(zone uint32, level int, base, keep uint64) (bool, error) {
	if base >= keep {
		return false, fs.freeTree(zone, level)
	}
	if level == 0 {
		return true, nil
	}
	data, err := fs.readBlock(uint64(zone))
	if err != nil {
		return false, err
	}
	span := fs.treeSpan(level - 1)
	dirty := false
	for i := 0; i+4 <= len(data); i += 4 {
		next := le.Uint32(data[i : i+4])
		if next == 0 {
			continue
		}
		kept, err := fs.trimTree(next, level-1, base+uint64(i/4)*span, keep)
		if err != nil {
			return false, err
		}
		if !kept {
			le.PutUint32(data[i:i+4], 0)
			dirty = true
		}
	}
	if dirty {
		return true, fs.writeBlock(uint64(zone), data)
	}
	return true, nil
}

// freeZones releases every zone referenced by the inode, including
// indirect blocks, and clears the pointers.
func (fs *FS) freeZones(ino *Inode) error {
	for i, z := range ino.Zones {
		if z == 0 {
			continue
		}
		if err := fs.freeTree(z, zoneLevel(i)); err != nil {
			return err
		}
		ino.Zones[i] = 0
	}
	return nil
}

func (fs *FS) freeTree(zone uint32, level int) error {
	if level > 0 {
		data, err := fs.readBlock(uint64(zone))
		if err != nil {
			return err
		}
		for i := 0; i+4 <= len(data); i += 4 {
			if next := le.Uint32(data[i : i+4]); next != 0 {
				if err := fs.freeTree(next, level-1); err != nil {
					return err
				}
			}
		}
	}
	return fs.freeZone(zone)
}
