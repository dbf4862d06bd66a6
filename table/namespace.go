package table

import (
	"encoding/binary"

	"github.com/intellect4all/hamdb/common"
	"github.com/intellect4all/hamdb/engine"
)

// catalogDB is the reserved database holding the table catalog: one entry
// per table, keyed by table name, whose record is the table's database id
// followed by the schema blob (which the adapter treats as opaque).
const catalogDB uint16 = 1

// firstTableDB is the first database id handed out to tables.
const firstTableDB uint16 = 2

// Namespace groups tables inside one environment.
type Namespace struct {
	env     *engine.Environment
	catalog *engine.Database
}

// OpenNamespace creates or opens the namespace of an environment.
func OpenNamespace(env *engine.Environment) (*Namespace, error) {
	catalog, err := env.OpenDatabase(catalogDB, engine.DatabaseConfig{})
	if err == common.ErrDatabaseNotFound {
		catalog, err = env.CreateDatabase(catalogDB, engine.DatabaseConfig{})
	}
	if err != nil {
		return nil, err
	}
	return &Namespace{env: env, catalog: catalog}, nil
}

func catalogRecord(dbID uint16, schema []byte) []byte {
	rec := make([]byte, 2+len(schema))
	binary.LittleEndian.PutUint16(rec, dbID)
	copy(rec[2:], schema)
	return rec
}

// CreateTable creates a table with an opaque schema blob.
func (ns *Namespace) CreateTable(name string, schema []byte) (*Table, error) {
	key := engine.Key{Data: []byte(name)}
	if err := ns.catalog.Find(nil, &key, nil, 0); err == nil {
		return nil, common.ErrNameAlreadyInUse
	} else if err != common.ErrKeyNotFound {
		return nil, err
	}

	dbID, err := ns.nextTableID()
	if err != nil {
		return nil, err
	}
	db, err := ns.env.CreateDatabase(dbID, engine.DatabaseConfig{})
	if err != nil {
		return nil, err
	}
	rec := engine.Record{Data: catalogRecord(dbID, schema)}
	if err := ns.catalog.Insert(nil, &key, &rec, 0); err != nil {
		return nil, err
	}
	return &Table{ns: ns, name: name, db: db, schema: append([]byte(nil), schema...)}, nil
}

// OpenTable opens an existing table.
func (ns *Namespace) OpenTable(name string) (*Table, error) {
	key := engine.Key{Data: []byte(name)}
	var rec engine.Record
	if err := ns.catalog.Find(nil, &key, &rec, 0); err != nil {
		if err == common.ErrKeyNotFound {
			return nil, common.ErrDatabaseNotFound
		}
		return nil, err
	}
	dbID := binary.LittleEndian.Uint16(rec.Data)
	db, err := ns.env.OpenDatabase(dbID, engine.DatabaseConfig{})
	if err != nil {
		return nil, err
	}
	return &Table{ns: ns, name: name, db: db, schema: append([]byte(nil), rec.Data[2:]...)}, nil
}

// DropTable removes a table and all its cells.
func (ns *Namespace) DropTable(name string) error {
	key := engine.Key{Data: []byte(name)}
	var rec engine.Record
	if err := ns.catalog.Find(nil, &key, &rec, 0); err != nil {
		if err == common.ErrKeyNotFound {
			return common.ErrDatabaseNotFound
		}
		return err
	}
	dbID := binary.LittleEndian.Uint16(rec.Data)
	if err := ns.env.CloseDatabaseByName(dbID); err != nil {
		return err
	}
	if err := ns.env.EraseDatabase(dbID); err != nil {
		return err
	}
	return ns.catalog.Erase(nil, &key, 0)
}

// RenameTable renames a catalog entry; the backing database keeps its id.
func (ns *Namespace) RenameTable(oldName, newName string) error {
	newKey := engine.Key{Data: []byte(newName)}
	if err := ns.catalog.Find(nil, &newKey, nil, 0); err == nil {
		return common.ErrNameAlreadyInUse
	} else if err != common.ErrKeyNotFound {
		return err
	}

	oldKey := engine.Key{Data: []byte(oldName)}
	var rec engine.Record
	if err := ns.catalog.Find(nil, &oldKey, &rec, 0); err != nil {
		if err == common.ErrKeyNotFound {
			return common.ErrDatabaseNotFound
		}
		return err
	}
	payload := engine.Record{Data: append([]byte(nil), rec.Data...)}
	if err := ns.catalog.Insert(nil, &newKey, &payload, 0); err != nil {
		return err
	}
	return ns.catalog.Erase(nil, &oldKey, 0)
}

// Tables lists the table names of the namespace.
func (ns *Namespace) Tables() ([]string, error) {
	cursor := ns.catalog.CreateCursor(nil)
	defer cursor.Close()

	var names []string
	err := cursor.Move(engine.CursorFirst, true)
	for err == nil {
		key, kerr := cursor.GetKey()
		if kerr != nil {
			return nil, kerr
		}
		names = append(names, string(key))
		err = cursor.Move(engine.CursorNext, true)
	}
	if err != common.ErrKeyNotFound {
		return nil, err
	}
	return names, nil
}

// nextTableID finds the lowest free database id above the catalog.
func (ns *Namespace) nextTableID() (uint16, error) {
	used := make(map[uint16]bool)
	for _, name := range ns.env.DatabaseNames() {
		used[name] = true
	}
	for id := firstTableDB; id != 0; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, common.ErrLimitsReached
}
