package db

// Config carries the connection settings for one gorm handle. Open
// consumes it for the system-of-record and analytics databases; the
// embedded sqlite ledger bypasses it and opens by path.
type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}
