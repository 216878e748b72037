package miniostorage

import (
	"errors"
	"testing"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	err := translate(minio.ErrorResponse{Code: "NoSuchKey"}, "derivatives/ab/abc")
	require.ErrorIs(t, err, model.ErrObjectNotFound)
	require.Contains(t, err.Error(), "derivatives/ab/abc")

	denied := minio.ErrorResponse{Code: "AccessDenied"}
	require.Equal(t, error(denied), translate(denied, "k"))

	other := errors.New("connection reset")
	require.Equal(t, other, translate(other, "k"))
}
