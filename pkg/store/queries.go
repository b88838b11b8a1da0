package store

// Schema and statements for the token store. The column layout is part of
// the on-disk compatibility contract shared with the provider library.
const (
	createTokensTable = `
	CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		label TEXT NOT NULL UNIQUE,
		config TEXT NOT NULL
	);`

	createPObjectsTable = `
	CREATE TABLE IF NOT EXISTS pobjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hierarchy TEXT NOT NULL,
		objauth TEXT NOT NULL,
		config TEXT NOT NULL
	);`

	createSealObjectsTable = `
	CREATE TABLE IF NOT EXISTS sealobjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tokid INTEGER NOT NULL,
		userpub BLOB,
		userpriv BLOB,
		userauthsalt TEXT,
		sopub BLOB NOT NULL,
		sopriv BLOB NOT NULL,
		soauthsalt TEXT NOT NULL,
		FOREIGN KEY (tokid) REFERENCES tokens(id) ON DELETE CASCADE
	);`

	createTObjectsTable = `
	CREATE TABLE IF NOT EXISTS tobjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tokid INTEGER NOT NULL,
		attrs TEXT NOT NULL,
		FOREIGN KEY (tokid) REFERENCES tokens(id) ON DELETE CASCADE
	);`

	getTokenQuery   = `SELECT id, pid, label, config FROM tokens WHERE label = ?;`
	getTokenByID    = `SELECT id, pid, label, config FROM tokens WHERE id = ?;`
	insertToken     = `INSERT INTO tokens (pid, label, config) VALUES (?, ?, ?);`
	getPrimaryQuery = `SELECT id, hierarchy, objauth, config FROM pobjects WHERE id = ?;`
	insertPrimary   = `INSERT INTO pobjects (hierarchy, objauth, config) VALUES (?, ?, ?);`
	getSealQuery    = `SELECT id, tokid, userpub, userpriv, userauthsalt, sopub, sopriv, soauthsalt FROM sealobjects WHERE tokid = ?;`
	insertSeal      = `INSERT INTO sealobjects (tokid, userpub, userpriv, userauthsalt, sopub, sopriv, soauthsalt) VALUES (?, ?, ?, ?, ?, ?, ?);`

	insertTObject  = `INSERT INTO tobjects (tokid, attrs) VALUES (?, ?);`
	updateTObject  = `UPDATE tobjects SET attrs = ? WHERE id = ?;`
	getTObjectByID = `SELECT id, tokid, attrs FROM tobjects WHERE id = ?;`
	listTObjects   = `SELECT id, tokid, attrs FROM tobjects WHERE tokid = ? ORDER BY id;`
	deleteTObject  = `DELETE FROM tobjects WHERE id = ?;`
)
