package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendSetsRootAndPerFirmRoot(t *testing.T) {
	l := NewLedger()
	entry := l.Append("firm-1", "credit_purchase", "+500")

	assert.Contains(t, entry, "firm-1")
	assert.Contains(t, entry, "credit_purchase")
	require.NotNil(t, l.Root)
	assert.Equal(t, l.Root.Hash, l.FirmRoot["firm-1"])
}

func TestAppendSingleLeafIsRoot(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "fine_levied", "-5000")
	require.Len(t, l.Leaves, 1)
	assert.Equal(t, l.Leaves[0].Hash, l.Root.Hash)
}

func TestAppendOddLeafCountDuplicatesLast(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "a", "1")
	l.Append("firm-1", "b", "2")
	l.Append("firm-1", "c", "3")

	require.Len(t, l.Leaves, 3)
	require.NotNil(t, l.Root)
}

func TestVerifyInclusionTrueForAppendedEntry(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "credit_purchase", "+100")
	l.Append("firm-1", "credit_purchase", "+200")
	l.Append("firm-1", "fine_levied", "-50")

	hash := l.Leaves[1].Hash
	assert.True(t, l.VerifyInclusion(hash))
}

func TestVerifyInclusionFalseForUnknownHash(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "credit_purchase", "+100")

	assert.False(t, l.VerifyInclusion("not-a-real-hash"))
}

func TestGenerateProofAndVerifyProofRoundTrip(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 5; i++ {
		l.Append("firm-1", "credit_purchase", "+1")
	}

	for _, leaf := range l.Leaves {
		proof := l.GenerateProof(leaf.Hash)
		require.NotNil(t, proof)
		assert.True(t, VerifyProof(proof, l.Root.Hash))
	}
}

func TestVerifyProofRejectsTamperedSibling(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "a", "1")
	l.Append("firm-1", "b", "2")

	proof := l.GenerateProof(l.Leaves[0].Hash)
	require.NotNil(t, proof)
	proof.Siblings[0].Hash = "tampered"

	assert.False(t, VerifyProof(proof, l.Root.Hash))
}

func TestVerifyProofNilProofIsFalse(t *testing.T) {
	assert.False(t, VerifyProof(nil, "anything"))
}

func TestGenerateProofUnknownHashReturnsNil(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "a", "1")
	assert.Nil(t, l.GenerateProof("unknown"))
}

func TestVerifyFirmInclusionRejectsCrossFirmHash(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "credit_purchase", "+100")
	l.Append("firm-2", "credit_purchase", "+200")

	hashFirm2 := l.Leaves[1].Hash
	assert.True(t, l.VerifyInclusion(hashFirm2), "hash belongs to the tree overall")
	assert.False(t, l.VerifyFirmInclusion("firm-1", hashFirm2), "hash was recorded for firm-2, not firm-1")
	assert.True(t, l.VerifyFirmInclusion("firm-2", hashFirm2))
}

func TestFirmLeafHashesScopedPerFirm(t *testing.T) {
	l := NewLedger()
	l.Append("firm-1", "a", "1")
	l.Append("firm-2", "b", "2")
	l.Append("firm-1", "c", "3")

	firm1 := l.FirmLeafHashes("firm-1")
	require.Len(t, firm1, 2)
	assert.Equal(t, l.Leaves[0].Hash, firm1[0])
	assert.Equal(t, l.Leaves[2].Hash, firm1[1])

	assert.Empty(t, l.FirmLeafHashes("firm-unknown"))
}
