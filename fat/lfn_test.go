package fat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLFNRoundTripsShortName(t *testing.T) {
	shortRaw := EncodeShortDirent(ShortDirent{Name: "LONGFI~1.TXT"})
	nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)

	fragments, err := EncodeLFN("Long File Name.txt", nameExt)
	require.Nil(t, err)
	require.Len(t, fragments, 2)

	for _, f := range fragments {
		require.True(t, IsLFNSlot(f))
	}

	decoded, err := DecodeLFN(fragments, nameExt)
	require.Nil(t, err)
	require.Equal(t, "Long File Name.txt", decoded)
}

func TestLFNSingleFragmentName(t *testing.T) {
	shortRaw := EncodeShortDirent(ShortDirent{Name: "FOO.TXT"})
	nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)

	fragments, err := EncodeLFN("foo.txt", nameExt)
	require.Nil(t, err)
	require.Len(t, fragments, 1)

	decoded, err := DecodeLFN(fragments, nameExt)
	require.Nil(t, err)
	require.Equal(t, "foo.txt", decoded)
}

func TestLFNChecksumMismatchIsRejected(t *testing.T) {
	shortRaw := EncodeShortDirent(ShortDirent{Name: "FOO.TXT"})
	nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)
	fragments, err := EncodeLFN("foo.txt", nameExt)
	require.Nil(t, err)

	otherShortRaw := EncodeShortDirent(ShortDirent{Name: "BAR.TXT"})
	otherNameExt := append(append([]byte{}, otherShortRaw[0:8]...), otherShortRaw[8:11]...)

	_, err = DecodeLFN(fragments, otherNameExt)
	require.NotNil(t, err)
}

func TestGenerateShortNameCollisionAppendsNumericTail(t *testing.T) {
	existing := map[string]bool{"LONGFI~1.TXT": true}
	name := GenerateShortName("Long File Name.txt", existing)
	require.Equal(t, "LONGFI~2.TXT", name)
}

func TestGenerateShortNameFitsWithoutTail(t *testing.T) {
	name := GenerateShortName("short.txt", map[string]bool{})
	require.Equal(t, "SHORT.TXT", name)
}
