// Package order validates claimed upload orders before any work is
// performed on them. Validation covers shape (required fields, known
// destination types), the filesystem (files must be absolute, present
// and readable) and identity (user and group must exist in the
// repository and the user must be a member of the group).
package order

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/omero"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Order")

// ErrInvalid marks an order that can never succeed as written; the
// caller fails the order without retrying.
var ErrInvalid = errors.New("order is invalid")

type (
	// orderSchema is the shape contract enforced before any expensive
	// checks run.
	orderSchema struct {
		GroupName       string   `validate:"required"`
		UserName        string   `validate:"required"`
		DestinationID   string   `validate:"required,numeric"`
		DestinationType string   `validate:"required,oneof=Dataset Screen"`
		Files           []string `validate:"required,min=1,dive,required"`
	}

	// ValidatedOrder is an order that passed every check, with the
	// repository identities resolved to their numeric ids.
	ValidatedOrder struct {
		*tracker.Order

		User          *omero.User
		Group         *omero.Group
		DestinationID int64
	}

	Validator struct {
		gateway  omero.Gateway
		validate *validator.Validate
	}
)

func NewValidator(gateway omero.Gateway) *Validator {
	return &Validator{
		gateway:  gateway,
		validate: validator.New(),
	}
}

// Validate runs every check against the order. All failures wrap
// ErrInvalid so the worker can classify them without inspecting text.
func (v *Validator) Validate(ctx context.Context, order *tracker.Order) (*ValidatedOrder, error) {
	schema := orderSchema{
		GroupName:       order.GroupName,
		UserName:        order.UserName,
		DestinationID:   order.DestinationID,
		DestinationType: order.DestinationType,
		Files:           order.Files,
	}
	if err := v.validate.Struct(schema); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, describeSchemaFailure(err))
	}

	for _, file := range order.Files {
		if err := checkFile(file); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	user, err := v.gateway.ResolveUser(ctx, order.UserName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	group, err := v.gateway.ResolveGroup(ctx, order.GroupName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	member, err := v.gateway.IsMember(ctx, user, group)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: user %q is not a member of group %q", ErrInvalid, order.UserName, order.GroupName)
	}

	destinationID, err := strconv.ParseInt(order.DestinationID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: destination id %q is not numeric", ErrInvalid, order.DestinationID)
	}
	if destinationID < 0 {
		return nil, fmt.Errorf("%w: destination id %d must be non-negative", ErrInvalid, destinationID)
	}

	exists, err := v.gateway.DestinationExists(ctx, order.DestinationType, destinationID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s %d does not exist in the repository", ErrInvalid, order.DestinationType, destinationID)
	}

	log.Emit(logger.VERBOSE, "Order %s validated (user=%d group=%d)\n", order.UUID, user.ID, group.ID)
	return &ValidatedOrder{
		Order:         order,
		User:          user,
		Group:         group,
		DestinationID: destinationID,
	}, nil
}

// checkFile ensures a source path is absolute, exists and is readable.
// Directories are allowed; zarr filesets arrive as directory trees.
func checkFile(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("file path %q is not absolute", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file %q does not exist", path)
		}
		return fmt.Errorf("file %q is not accessible: %v", path, err)
	}

	handle, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file %q is not readable: %v", path, err)
	}
	handle.Close()

	if !info.IsDir() && !info.Mode().IsRegular() {
		return fmt.Errorf("file %q is neither a regular file nor a directory", path)
	}
	return nil
}

func describeSchemaFailure(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	reasons := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		reasons = append(reasons, fmt.Sprintf("field %s failed %q check", fieldErr.Field(), fieldErr.Tag()))
	}
	return strings.Join(reasons, "; ")
}
