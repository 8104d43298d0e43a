package publication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type Config struct {
	Name              string
	Operations        Operations
	Tables            Tables
	CreateIfNotExists bool
}

type Option func(*Config)

func NewConfig(opts ...Option) Config {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}
	c.SetDefault()

	return c
}

func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

func WithOperations(operations Operations) Option {
	return func(c *Config) {
		c.Operations = operations
	}
}

func WithTables(tables Tables) Option {
	return func(c *Config) {
		c.Tables = tables
	}
}

func WithCreateIfNotExists(createIfNotExists bool) Option {
	return func(c *Config) {
		c.CreateIfNotExists = createIfNotExists
	}
}

func (c *Config) SetDefault() {
	if len(c.Operations) == 0 {
		c.Operations = DefaultOperations
	}
	for i := range c.Tables {
		if c.Tables[i].Schema == "" {
			c.Tables[i].Schema = "public"
		}
		if c.Tables[i].ReplicaIdentity == "" {
			c.Tables[i].ReplicaIdentity = ReplicaIdentityDefault
		}
	}
}

func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Name) == "" {
		err = errors.Join(err, errors.New("publication name cannot be empty"))
	}

	if !c.CreateIfNotExists {
		return err
	}

	if validateErr := c.Tables.Validate(); validateErr != nil {
		err = errors.Join(err, validateErr)
	}

	if validateErr := c.Operations.Validate(); validateErr != nil {
		err = errors.Join(err, validateErr)
	}

	return err
}

func (c *Config) createQuery() string {
	sqlStatement := fmt.Sprintf(`CREATE PUBLICATION %s`, pq.QuoteIdentifier(c.Name))

	if len(c.Tables) > 0 {
		quotedTables := make([]string, len(c.Tables))
		for i, table := range c.Tables {
			quotedTables[i] = qualified(table)
		}
		sqlStatement += " FOR TABLE " + strings.Join(quotedTables, ", ")
	}

	sqlStatement += fmt.Sprintf(" WITH (publish = %s)", pq.QuoteLiteral(c.Operations.String()))

	return sqlStatement
}

func qualified(t Table) string {
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

const infoQuery = `
	SELECT
		p.pubname,
		p.puballtables,
		p.pubinsert,
		p.pubupdate,
		p.pubdelete,
		p.pubtruncate,
		COALESCE(
			(SELECT array_agg(pt.schemaname || '.' || pt.tablename ORDER BY pt.schemaname, pt.tablename)
			 FROM pg_publication_tables pt
			 WHERE pt.pubname = p.pubname),
			ARRAY[]::text[]
		) AS pubtables
	FROM pg_publication p
	WHERE p.pubname = $1
`
