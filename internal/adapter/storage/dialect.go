package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the differences between the SQL engines the store runs
// on. Queries are written with '?' placeholders and rebound when needed.
type dialect struct {
	name      string
	dollar    bool   // $1, $2, ... placeholders
	forUpdate string // row lock suffix, empty when the engine locks whole databases
	numParam  string // placeholder for a decimal argument used in arithmetic
	types     *strings.Replacer
	unique    func(error) bool
	conflict  func(error) bool // deadlock or serialization failure, safe to retry

	// textNumbers stores quantities as decimal strings. The engine has no
	// exact numeric type, so arithmetic and comparisons happen in Go.
	textNumbers bool

	// textTimes means timestamps are stored as driver-formatted strings that
	// do not sort chronologically, so time filters run in Go.
	textTimes bool
}

var mysqlDialect = dialect{
	name:      "mysql",
	forUpdate: " FOR UPDATE",
	numParam:  "CAST(? AS DECIMAL(18,4))",
	types: strings.NewReplacer(
		"{{id}}", "VARCHAR(64)",
		"{{text}}", "VARCHAR(255)",
		"{{longtext}}", "TEXT",
		"{{num}}", "DECIMAL(18,4)",
		"{{ts}}", "DATETIME(6)",
		"{{bool}}", "BOOLEAN",
	),
	unique: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
	conflict: func(err error) bool {
		var me *mysql.MySQLError
		// 1213 deadlock, 1205 lock wait timeout
		return errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205)
	},
}

var postgresDialect = dialect{
	name:      "postgres",
	dollar:    true,
	forUpdate: " FOR UPDATE",
	numParam:  "CAST(? AS NUMERIC)",
	types: strings.NewReplacer(
		"{{id}}", "TEXT",
		"{{text}}", "TEXT",
		"{{longtext}}", "TEXT",
		"{{num}}", "NUMERIC(18,4)",
		"{{ts}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
	),
	unique: func(err error) bool {
		var pe *pq.Error
		return errors.As(err, &pe) && pe.Code == "23505"
	},
	conflict: func(err error) bool {
		var pe *pq.Error
		// 40001 serialization_failure, 40P01 deadlock_detected
		return errors.As(err, &pe) && (pe.Code == "40001" || pe.Code == "40P01")
	},
}

var sqliteDialect = dialect{
	name:        "sqlite",
	numParam:    "?",
	textNumbers: true,
	textTimes:   true,
	types: strings.NewReplacer(
		"{{id}}", "TEXT",
		"{{text}}", "TEXT",
		"{{longtext}}", "TEXT",
		"{{num}}", "TEXT",
		"{{ts}}", "DATETIME",
		"{{bool}}", "BOOLEAN",
	),
	unique: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
	},
	conflict: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	},
}

// bind rewrites '?' placeholders for engines that number them.
func (d dialect) bind(query string) string {
	if !d.dollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) ddl(stmt string) string {
	return d.types.Replace(stmt)
}
