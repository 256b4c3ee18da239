// Package lwm2m resolves object/instance/item references against the LWM2M
// schema registered for a product.
package lwm2m

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ctlflow/internal/domain"
)

// Item is a resource declared by an object. Operations uses the registry's
// notation: "R", "W", "RW" or "E".
type Item struct {
	ID         int
	Name       string
	Type       string
	Unit       string
	Operations string
}

type Object struct {
	ID       int
	Name     string
	Multiple bool
	Items    map[int]Item
}

// Schema is the set of objects (and their items) registered for one product.
type Schema struct {
	ProductID string
	Objects   map[int]Object
}

// SchemaSource looks up the schema registered for a product. A product with
// nothing registered yields an empty Schema, not an error.
type SchemaSource interface {
	ProductSchema(ctx context.Context, productID string) (Schema, error)
}

// ResourceAddress is a validated resource reference.
type ResourceAddress struct {
	ProductID  string
	ObjectID   int
	InstanceID int
	ItemID     int
	Path       string
	Operations string
}

// Allows reports whether the item's declared operations permit op. Items
// registered without operations accept everything.
func (a ResourceAddress) Allows(op domain.ControlType) bool {
	if a.Operations == "" {
		return true
	}
	switch op {
	case domain.ControlRead, domain.ControlSubscribe:
		return strings.Contains(a.Operations, "R")
	case domain.ControlWrite:
		return strings.Contains(a.Operations, "W")
	case domain.ControlExecute:
		return strings.Contains(a.Operations, "E")
	}
	return false
}

type Resolver struct {
	src SchemaSource
}

func NewResolver(src SchemaSource) *Resolver {
	return &Resolver{src: src}
}

func (r *Resolver) Resolve(ctx context.Context, productID string, objectID, instanceID, itemID int) (ResourceAddress, error) {
	sc, err := r.src.ProductSchema(ctx, productID)
	if err != nil {
		return ResourceAddress{}, fmt.Errorf("load schema for product %s: %w", productID, err)
	}
	sc.ProductID = productID
	return Resolve(sc, objectID, instanceID, itemID)
}

// Resolve validates the reference against sc and builds its canonical path.
func Resolve(sc Schema, objectID, instanceID, itemID int) (ResourceAddress, error) {
	obj, ok := sc.Objects[objectID]
	if !ok {
		return ResourceAddress{}, fmt.Errorf("%w: object %d not registered for product %s", domain.ErrUnknownObject, objectID, sc.ProductID)
	}
	item, ok := obj.Items[itemID]
	if !ok {
		return ResourceAddress{}, fmt.Errorf("%w: item %d not declared by object %d", domain.ErrUnknownItem, itemID, objectID)
	}
	if instanceID < 0 || (!obj.Multiple && instanceID != 0) {
		return ResourceAddress{}, fmt.Errorf("%w: object %d is single instance, got instance %d", domain.ErrInstanceNotAllowed, objectID, instanceID)
	}
	return ResourceAddress{
		ProductID:  sc.ProductID,
		ObjectID:   objectID,
		InstanceID: instanceID,
		ItemID:     itemID,
		Path:       Path(objectID, instanceID, itemID),
		Operations: item.Operations,
	}, nil
}

// Path renders /objectID/instanceID/itemID.
func Path(objectID, instanceID, itemID int) string {
	return "/" + strconv.Itoa(objectID) + "/" + strconv.Itoa(instanceID) + "/" + strconv.Itoa(itemID)
}

// ParsePath is the inverse of Path.
func ParsePath(p string) (domain.Address, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 3 {
		return domain.Address{}, fmt.Errorf("%w: path %q: want /object/instance/item", domain.ErrInvalidOperationPayload, p)
	}
	var ids [3]int
	for i, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return domain.Address{}, fmt.Errorf("%w: path %q: segment %q is not a non-negative integer", domain.ErrInvalidOperationPayload, p, s)
		}
		ids[i] = n
	}
	return domain.Address{ObjectID: ids[0], InstanceID: ids[1], ItemID: ids[2]}, nil
}
