package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"servermgr/internal/core"
)

const deviceColumns = `id, name, hostname, ip_address, mac_address, description, created_at, updated_at`

func (s *Store) CreateDevice(ctx context.Context, d *core.Device) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	err := s.queryRow(ctx, `
		INSERT INTO devices (name, hostname, ip_address, mac_address, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, d.Name, nullableString(d.Hostname), nullableString(d.IPAddress), d.MACAddress, nullableString(d.Description),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt)).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDevice overwrites every mutable field of d.
func (s *Store) UpdateDevice(ctx context.Context, d *core.Device) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE devices
		SET name = ?, hostname = ?, ip_address = ?, mac_address = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, d.Name, nullableString(d.Hostname), nullableString(d.IPAddress), d.MACAddress, nullableString(d.Description),
		formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id int64) (*core.Device, error) {
	d, err := scanDevice(s.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrDeviceNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]*core.Device, error) {
	rows, err := s.query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var devices []*core.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func scanDevice(row scanner) (*core.Device, error) {
	var (
		d           core.Device
		hostname    sql.NullString
		ip          sql.NullString
		description sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&d.ID, &d.Name, &hostname, &ip, &d.MACAddress, &description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Hostname = nullString(hostname)
	d.IPAddress = nullString(ip)
	d.Description = nullString(description)
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
