package order

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/omero"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
)

// fakeGateway is a canned-response repository: one known user, one
// known group (the user is a member), one known dataset.
type fakeGateway struct {
	member      bool
	destination bool
}

func (gw *fakeGateway) ResolveUser(_ context.Context, name string) (*omero.User, error) {
	if name != "jdoe" {
		return nil, assert.AnError
	}
	return &omero.User{ID: 9, Name: name}, nil
}

func (gw *fakeGateway) ResolveGroup(_ context.Context, name string) (*omero.Group, error) {
	if name != "research-lab" {
		return nil, assert.AnError
	}
	return &omero.Group{ID: 4, Name: name}, nil
}

func (gw *fakeGateway) IsMember(_ context.Context, _ *omero.User, _ *omero.Group) (bool, error) {
	return gw.member, nil
}

func (gw *fakeGateway) DestinationExists(_ context.Context, _ string, _ int64) (bool, error) {
	return gw.destination, nil
}

func (gw *fakeGateway) AttachMapAnnotation(_ context.Context, _ string, _ int64, _ []omero.KeyValue) error {
	return nil
}

func validOrder(t *testing.T) *tracker.Order {
	t.Helper()

	file := filepath.Join(t.TempDir(), "img.tif")
	require.NoError(t, os.WriteFile(file, []byte("pixels"), 0o644))

	return &tracker.Order{
		UUID:            uuid.New(),
		GroupName:       "research-lab",
		UserName:        "jdoe",
		DestinationID:   "101",
		DestinationType: "Dataset",
		Files:           []string{file},
	}
}

func Test_Validate_AcceptsWellFormedOrder(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: true})

	validated, err := validator.Validate(context.Background(), validOrder(t))
	require.NoError(t, err)
	assert.Equal(t, int64(9), validated.User.ID)
	assert.Equal(t, int64(4), validated.Group.ID)
	assert.Equal(t, int64(101), validated.DestinationID)
}

func Test_Validate_RejectsMissingFields(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: true})

	tests := []struct {
		name   string
		mutate func(*tracker.Order)
	}{
		{"no user", func(o *tracker.Order) { o.UserName = "" }},
		{"no group", func(o *tracker.Order) { o.GroupName = "" }},
		{"no files", func(o *tracker.Order) { o.Files = nil }},
		{"no destination", func(o *tracker.Order) { o.DestinationID = "" }},
		{"non-numeric destination", func(o *tracker.Order) { o.DestinationID = "abc" }},
		{"unknown destination type", func(o *tracker.Order) { o.DestinationType = "Project" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			order := validOrder(t)
			test.mutate(order)

			_, err := validator.Validate(context.Background(), order)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func Test_Validate_RejectsBadFiles(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: true})

	t.Run("relative path", func(t *testing.T) {
		order := validOrder(t)
		order.Files = []string{"relative/img.tif"}
		_, err := validator.Validate(context.Background(), order)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.ErrorContains(t, err, "not absolute")
	})

	t.Run("missing file", func(t *testing.T) {
		order := validOrder(t)
		order.Files = []string{filepath.Join(t.TempDir(), "gone.tif")}
		_, err := validator.Validate(context.Background(), order)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.ErrorContains(t, err, "does not exist")
	})

	t.Run("directory is allowed", func(t *testing.T) {
		order := validOrder(t)
		zarr := filepath.Join(t.TempDir(), "img.zarr")
		require.NoError(t, os.MkdirAll(zarr, 0o755))
		order.Files = []string{zarr}

		_, err := validator.Validate(context.Background(), order)
		assert.NoError(t, err)
	})
}

func Test_Validate_RejectsNegativeDestinationID(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: true})

	order := validOrder(t)
	order.DestinationID = "-5"
	_, err := validator.Validate(context.Background(), order)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "non-negative")
}

func Test_Validate_RejectsUnknownIdentities(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: true})

	order := validOrder(t)
	order.UserName = "ghost"
	_, err := validator.Validate(context.Background(), order)
	assert.ErrorIs(t, err, ErrInvalid)

	order = validOrder(t)
	order.GroupName = "no-such-lab"
	_, err = validator.Validate(context.Background(), order)
	assert.ErrorIs(t, err, ErrInvalid)
}

func Test_Validate_RejectsNonMembers(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: false, destination: true})

	_, err := validator.Validate(context.Background(), validOrder(t))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "not a member")
}

func Test_Validate_RejectsMissingDestination(t *testing.T) {
	validator := NewValidator(&fakeGateway{member: true, destination: false})

	_, err := validator.Validate(context.Background(), validOrder(t))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "does not exist")
}
