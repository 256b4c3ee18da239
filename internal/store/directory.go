package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
)

func scanClient(s scanner) (domain.Client, error) {
	var c domain.Client
	var attrs string
	if err := s.Scan(&c.ID, &c.TenantID, &c.ProductID, &c.Kind, &attrs); err != nil {
		return domain.Client{}, err
	}
	if attrs == "" {
		attrs = "{}"
	}
	switch c.Kind {
	case domain.KindGateway:
		c.Gateway = &domain.GatewayAttrs{}
		if err := json.Unmarshal([]byte(attrs), c.Gateway); err != nil {
			return domain.Client{}, fmt.Errorf("client %s attrs: %w", c.ID, err)
		}
	default:
		c.Device = &domain.DeviceAttrs{}
		if err := json.Unmarshal([]byte(attrs), c.Device); err != nil {
			return domain.Client{}, fmt.Errorf("client %s attrs: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r *SQLRepo) Device(ctx context.Context, id string) (domain.Client, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT id,tenant_id,product_id,kind,attrs FROM clients WHERE id=?`), id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Client{}, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, id)
	}
	return c, err
}

func (r *SQLRepo) Group(ctx context.Context, id string) (domain.Group, error) {
	var g domain.Group
	err := r.db.QueryRowContext(ctx, r.q(`SELECT id,tenant_id,product_id FROM device_groups WHERE id=?`), id).
		Scan(&g.ID, &g.TenantID, &g.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, id)
	}
	return g, err
}

// Members returns the clients currently in a group, ordered by id. Member ids
// with no client row are skipped.
func (r *SQLRepo) Members(ctx context.Context, groupID string) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT c.id,c.tenant_id,c.product_id,c.kind,c.attrs
FROM group_devices gd JOIN clients c ON c.id = gd.device_id
WHERE gd.group_id=?
ORDER BY c.id`), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProductSchema implements lwm2m.SchemaSource from the registry tables.
func (r *SQLRepo) ProductSchema(ctx context.Context, productID string) (lwm2m.Schema, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT o.object_id, o.name, o.multiple_instance, i.item_id, i.name, i.item_type, i.unit, i.operations
FROM product_items p
JOIN lwm2m_objects o ON o.object_id = p.object_id
JOIN lwm2m_items i ON i.object_id = p.object_id AND i.item_id = p.item_id
WHERE p.product_id=?`), productID)
	if err != nil {
		return lwm2m.Schema{}, err
	}
	defer rows.Close()

	sc := lwm2m.Schema{ProductID: productID, Objects: map[int]lwm2m.Object{}}
	for rows.Next() {
		var obj lwm2m.Object
		var multiple int
		var it lwm2m.Item
		if err := rows.Scan(&obj.ID, &obj.Name, &multiple, &it.ID, &it.Name, &it.Type, &it.Unit, &it.Operations); err != nil {
			return lwm2m.Schema{}, err
		}
		existing, ok := sc.Objects[obj.ID]
		if !ok {
			obj.Multiple = multiple == 1
			obj.Items = map[int]lwm2m.Item{}
			existing = obj
		}
		existing.Items[it.ID] = it
		sc.Objects[obj.ID] = existing
	}
	return sc, rows.Err()
}

// PutClient inserts or replaces a device or gateway.
func (r *SQLRepo) PutClient(ctx context.Context, c domain.Client) error {
	var attrs any = c.Device
	if c.Kind == domain.KindGateway {
		attrs = c.Gateway
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	if string(b) == "null" {
		b = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, r.q(`
INSERT INTO clients (id,tenant_id,product_id,kind,attrs) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, product_id=excluded.product_id,
  kind=excluded.kind, attrs=excluded.attrs`),
		c.ID, c.TenantID, c.ProductID, c.Kind, string(b))
	return err
}

// DeleteClient removes a client and its group memberships.
func (r *SQLRepo) DeleteClient(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM group_devices WHERE device_id=?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM clients WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, id)
	}
	return tx.Commit()
}

// PutGroup inserts or replaces a group and sets its membership to members.
func (r *SQLRepo) PutGroup(ctx context.Context, g domain.Group, members []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO device_groups (id,tenant_id,product_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, product_id=excluded.product_id`),
		g.ID, g.TenantID, g.ProductID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM group_devices WHERE group_id=?`), g.ID); err != nil {
		return err
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO group_devices (group_id,device_id) VALUES (?,?)`), g.ID, m); err != nil {
			return fmt.Errorf("add %s to group %s: %w", m, g.ID, err)
		}
	}
	return tx.Commit()
}

// PutObject registers an LWM2M object and its items.
func (r *SQLRepo) PutObject(ctx context.Context, obj lwm2m.Object) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO lwm2m_objects (object_id,name,multiple_instance) VALUES (?,?,?)
ON CONFLICT(object_id) DO UPDATE SET name=excluded.name, multiple_instance=excluded.multiple_instance`),
		obj.ID, obj.Name, boolInt(obj.Multiple)); err != nil {
		return err
	}
	for _, it := range obj.Items {
		if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO lwm2m_items (object_id,item_id,name,item_type,unit,operations) VALUES (?,?,?,?,?,?)
ON CONFLICT(object_id,item_id) DO UPDATE SET name=excluded.name, item_type=excluded.item_type,
  unit=excluded.unit, operations=excluded.operations`),
			obj.ID, it.ID, it.Name, it.Type, it.Unit, it.Operations); err != nil {
			return fmt.Errorf("item %d/%d: %w", obj.ID, it.ID, err)
		}
	}
	return tx.Commit()
}

// BindProductItems makes items of an object available to a product.
func (r *SQLRepo) BindProductItems(ctx context.Context, productID string, objectID int, itemIDs ...int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)
	for _, id := range itemIDs {
		if _, err := tx.ExecContext(ctx, r.q(`
INSERT INTO product_items (product_id,object_id,item_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`),
			productID, objectID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
