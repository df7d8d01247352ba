package minix3

import (
	"math/bits"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
)

// bitmap is one of the two allocation maps. Bit 0 is always reserved;
// bits 1..limit map to allocatable objects.
type bitmap struct {
	fs     *FS
	name   string
	start  uint64 // first block of the map
	blocks uint64
	limit  uint64 // highest valid bit
}

func (fs *FS) inodeMap() bitmap {
	return bitmap{
		fs:     fs,
		name:   "inode",
		start:  2,
		blocks: uint64(fs.sb.IMapBlocks),
		limit:  uint64(fs.sb.NInodes),
	}
}

// zoneMap bit b stands for zone FirstDataZone + b - 1.
func (fs *FS) zoneMap() bitmap {
	var limit uint64
	if fs.sb.Zones > uint32(fs.sb.FirstDataZone) {
		limit = uint64(fs.sb.Zones - uint32(fs.sb.FirstDataZone))
	}
	return bitmap{
		fs:     fs,
		name:   "zone",
		start:  2 + uint64(fs.sb.IMapBlocks),
		blocks: uint64(fs.sb.ZMapBlocks),
		limit:  limit,
	}
}

func (m bitmap) bitsPerBlock() uint64 {
	return uint64(m.fs.blockSize) * 8
}

// allocate finds the first clear bit, sets it and returns it.
func (m bitmap) allocate() (uint64, error) {
	per := m.bitsPerBlock()
	for blk := uint64(0); blk < m.blocks; blk++ {
		first := blk * per
		if first > m.limit {
			break
		}
		data, err := m.fs.readBlock(m.start + blk)
		if err != nil {
			return 0, err
		}
		for i, b := range data {
			if b == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					continue
				}
				n := first + uint64(i)*8 + uint64(bit)
				if n == 0 {
					continue
				}
				if n > m.limit {
					return 0, common.ErrNoSpace
				}
				data[i] |= 1 << bit
				if err := m.fs.writeBlock(m.start+blk, data); err != nil {
					return 0, err
				}
				return n, nil
			}
		}
	}
	return 0, common.ErrNoSpace
}

// set marks bit n as used or free.
func (m bitmap) set(n uint64, used bool) error {
	if n == 0 || n > m.limit {
		log.Warnf("[Minix3] %s bitmap: bit %d out of range", m.name, n)
		return common.ErrIO
	}
	per := m.bitsPerBlock()
	blk := m.start + n/per
	data, err := m.fs.readBlock(blk)
	if err != nil {
		return err
	}
	byteIdx := (n % per) / 8
	mask := byte(1) << (n % 8)
	if used {
		data[byteIdx] |= mask
	} else {
		data[byteIdx] &^= mask
	}
	return m.fs.writeBlock(blk, data)
}

// isSet reports whether bit n is in use.
func (m bitmap) isSet(n uint64) (bool, error) {
	per := m.bitsPerBlock()
	data, err := m.fs.readBlock(m.start + n/per)
	if err != nil {
		return false, err
	}
	return data[(n%per)/8]&(byte(1)<<(n%8)) != 0, nil
}

// count returns the number of used bits, excluding the reserved bit 0.
func (m bitmap) count() (uint64, error) {
	per := m.bitsPerBlock()
	var used uint64
	for blk := uint64(0); blk < m.blocks && blk*per <= m.limit; blk++ {
		data, err := m.fs.readBlock(m.start + blk)
		if err != nil {
			return 0, err
		}
		for i, b := range data {
			first := blk*per + uint64(i)*8
			if first > m.limit {
				break
			}
			if first+7 > m.limit {
				b &= byte(1)<<(m.limit-first+1) - 1
			}
			used += uint64(bits.OnesCount8(b))
		}
	}
	if ok, err := m.isSet(0); err == nil && ok {
		used--
	}
	return used, nil
}

func (fs *FS) allocInode() (uint32, error) {
	if fs.sb == nil {
		return 0, common.ErrFilesystemUninitialized
	}
	n, err := fs.inodeMap().allocate()
	if err != nil {
		return 0, err
	}
	log.Debugf("[Minix3] allocated inode %d", n)
	return uint32(n), nil
}

func (fs *FS) freeInode(n uint32) error {
	return fs.inodeMap().set(uint64(n), false)
}

// allocZone reserves a zone and zero fills its block.
func (fs *FS) allocZone() (uint32, error) {
	if fs.sb == nil {
		return 0, common.ErrFilesystemUninitialized
	}
	bit, err := fs.zoneMap().allocate()
	if err != nil {
		return 0, err
	}
	zone := uint32(fs.sb.FirstDataZone) + uint32(bit) - 1
	if err := fs.writeBlock(uint64(zone), make([]byte, fs.blockSize)); err != nil {
		return 0, err
	}
	return zone, nil
}

func (fs *FS) freeZone(zone uint32) error {
	if zone < uint32(fs.sb.FirstDataZone) {
		log.Warnf("[Minix3] refusing to free metadata zone %d", zone)
		return common.ErrIO
	}
	fs.blocks.Remove(uint64(zone))
	return fs.zoneMap().set(uint64(zone-uint32(fs.sb.FirstDataZone))+1, false)
}

// Usage reports used and total inode and zone counts.
type Usage struct {
	InodesUsed  uint64
	InodesTotal uint64
	ZonesUsed   uint64
	ZonesTotal  uint64
}

// Usage scans both bitmaps.
func (fs *FS) Usage() (Usage, error) {
	if fs.sb == nil {
		return Usage{}, common.ErrFilesystemUninitialized
	}
	im, zm := fs.inodeMap(), fs.zoneMap()
	iu, err := im.count()
	if err != nil {
		return Usage{}, err
	}
	zu, err := zm.count()
	if err != nil {
		return Usage{}, err
	}
	return Usage{InodesUsed: iu, InodesTotal: im.limit, ZonesUsed: zu, ZonesTotal: zm.limit}, nil
}
