package db

import (
	"database/sql"
	"encoding/json"

	"github.com/loomci/core/loom/models"
)

// PutEnvironment creates or replaces a deployment environment.
func (d *DB) PutEnvironment(env models.Environment) error {
	approvers, err := json.Marshal(env.Approvers)
	if err != nil {
		return err
	}

	_, err = d.Exec(`
		insert into environments (name, approvers)
		values (?, ?)
		on conflict(name) do update set approvers = excluded.approvers
	`, env.Name, string(approvers))
	return err
}

func (d *DB) GetEnvironment(name string) (*models.Environment, error) {
	var approvers string
	err := d.QueryRow(`select approvers from environments where name = ?`, name).Scan(&approvers)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	env := models.Environment{Name: name}
	if err := json.Unmarshal([]byte(approvers), &env.Approvers); err != nil {
		return nil, err
	}

	return &env, nil
}
