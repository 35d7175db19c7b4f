package dispatcher

import (
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/traceevent"
)

// Block/branch type tags, mirroring internal/instrument's blockTag/
// branchTag partition of the packed-ID type-tag space (spec §3): block
// kinds occupy 0-4, branch kinds occupy 8-13. The dispatcher is
// host-side and never imports internal/cfg (a subject-side concern), so
// the partition is restated here against the wire-level packed ID
// instead of a cfg.BlockType/cfg.BranchType value.
const branchTagBase = 8

var branchKindByOffset = [...]traceevent.BranchKind{
	traceevent.BranchIf,
	traceevent.BranchSwitch,
	traceevent.BranchThrow,
	traceevent.BranchCall,
	traceevent.BranchEntry,
	traceevent.BranchOther,
}

var blockKindByTag = [...]traceevent.BlockKind{
	traceevent.BlockCode,
	traceevent.BlockEntry,
	traceevent.BlockExit,
	traceevent.BlockCall,
	traceevent.BlockReturn,
}

// isBranchTag reports whether typeTag belongs to the branch-kind half
// of the tag space.
func isBranchTag(typeTag uint8) bool {
	return typeTag >= branchTagBase && int(typeTag)-branchTagBase < len(branchKindByOffset)
}

func branchKindForTag(typeTag uint8) traceevent.BranchKind {
	return branchKindByOffset[int(typeTag)-branchTagBase]
}

func blockKindForTag(typeTag uint8) traceevent.BlockKind {
	if int(typeTag) >= len(blockKindByTag) {
		return traceevent.BlockCode
	}
	return blockKindByTag[typeTag]
}

// decodePackedID splits a wire-level packed ID and reports whether it
// is a branch-kind or block-kind firing.
func decodePackedID(packed uint32) (typeTag uint8, id uint32, isBranch bool) {
	typeTag, id = probeid.Unpack(packed)
	return typeTag, id, isBranchTag(typeTag)
}
