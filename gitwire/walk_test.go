package gitwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReachableObjects(t *testing.T) {
	// 两个提交的链：c2 -> c1，各自有tree和blob
	blob1 := NewObject(KindBlob, []byte("v1\n"))
	tree1 := NewObject(KindTree, treeEntry("100644", "f", blob1.OID))
	c1 := NewObject(KindCommit, []byte("tree "+tree1.OID+"\n\ninit\n"))

	blob2 := NewObject(KindBlob, []byte("v2\n"))
	tree2 := NewObject(KindTree, treeEntry("100644", "f", blob2.OID))
	c2 := NewObject(KindCommit, []byte("tree "+tree2.OID+"\nparent "+c1.OID+"\n\nnext\n"))

	all := map[string]Object{}
	for _, obj := range []Object{blob1, tree1, c1, blob2, tree2, c2} {
		all[obj.OID] = obj
	}
	lookup := func(oid string) (ObjectKind, []byte, bool) {
		obj, ok := all[oid]
		if !ok {
			return "", nil, false
		}
		return obj.Kind, obj.Data, true
	}

	t.Run("full closure", func(t *testing.T) {
		got := ReachableObjects(lookup, []string{c2.OID}, nil, 0)
		assert.Len(t, got, 6)
	})

	t.Run("stop at old tip", func(t *testing.T) {
		// c1作为边界：它和它的子树都不下探
		got := ReachableObjects(lookup, []string{c2.OID}, map[string]bool{c1.OID: true}, 0)
		oids := map[string]bool{}
		for _, obj := range got {
			oids[obj.OID] = true
		}
		assert.Len(t, got, 3)
		assert.True(t, oids[c2.OID])
		assert.True(t, oids[tree2.OID])
		assert.True(t, oids[blob2.OID])
		assert.False(t, oids[c1.OID])
	})

	t.Run("missing objects are skipped", func(t *testing.T) {
		partial := func(oid string) (ObjectKind, []byte, bool) {
			if oid == c1.OID || oid == tree1.OID || oid == blob1.OID {
				return "", nil, false
			}
			return lookup(oid)
		}
		got := ReachableObjects(partial, []string{c2.OID}, nil, 0)
		assert.Len(t, got, 3)
	})

	t.Run("object cap", func(t *testing.T) {
		got := ReachableObjects(lookup, []string{c2.OID}, nil, 2)
		assert.Len(t, got, 2)
	})
}

func TestCommitRefs(t *testing.T) {
	tree, parents := CommitRefs([]byte("tree abc\nparent p1\nparent p2\nauthor x\n\nmsg with\nparent fake\n"))
	require.Equal(t, "abc", tree)
	// 空行之后的内容不算头部
	require.Equal(t, []string{"p1", "p2"}, parents)
}

func TestTreeEntryOIDs(t *testing.T) {
	blob := NewObject(KindBlob, []byte("x"))
	data := append(treeEntry("100644", "a.txt", blob.OID), treeEntry("40000", "dir", blob.OID)...)
	oids := TreeEntryOIDs(data)
	require.Equal(t, []string{blob.OID, blob.OID}, oids)
}
