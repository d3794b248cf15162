package loaders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	dsn  string
	pool *pgxpool.Pool
}

// TenantRecord represents a row from the tenants table. One record per
// WhatsApp Business Account the service answers for.
type TenantRecord struct {
	ID                   string // WhatsApp business account id
	Name                 string
	PhoneNumber          string
	PhoneNumberID        string
	AccessToken          string
	VerifyToken          *string
	Model                string
	Temperature          float32
	Strategy             string // single | classified
	BaseInstructions     string
	CategoryInstructions map[string]string
	Toolset              string
	AdminEmail           *string
	Status               string
}

func NewPostgresClient(dsn string, batchSize int) (*PostgresClient, error) {
	client := &PostgresClient{
		dsn: dsn,
	}

	pool, err := client.createConnectionPool(batchSize)
	if err != nil {
		return nil, err
	}

	client.pool = pool
	log.Println("Successfully connected to PostgreSQL database with connection pool")
	return client, nil
}

func (c *PostgresClient) createConnectionPool(batchSize int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Postgres DSN: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = 60 * time.Minute
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	_ = batchSize // reserved for future per-pool tuning

	return pool, nil
}

func (c *PostgresClient) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}

func (c *PostgresClient) GetPool() *pgxpool.Pool {
	return c.pool
}

// MessageRow is one persisted conversation message.
type MessageRow struct {
	ID             string // provider message id for inbound, uuid v7 otherwise
	ConversationID string
	Role           string // user | assistant | system
	Content        string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// GetOrCreateConversation returns the active conversation for a tenant/phone
// pair, creating one when none exists.
func (c *PostgresClient) GetOrCreateConversation(ctx context.Context, tenantID, phoneNumber string) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `
		SELECT id FROM conversations
		WHERE tenant_id = $1 AND phone_number = $2 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, phoneNumber).Scan(&id)
	if err == nil {
		return id, nil
	}

	id = uuid.Must(uuid.NewV7()).String()
	_, err = c.pool.Exec(ctx, `
		INSERT INTO conversations (id, tenant_id, phone_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'active', NOW(), NOW())
	`, id, tenantID, phoneNumber)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// GetActiveConversation looks up the active conversation for a tenant/phone
// pair without creating one. Returns ("", nil) when none exists.
func (c *PostgresClient) GetActiveConversation(ctx context.Context, tenantID, phoneNumber string) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `
		SELECT id FROM conversations
		WHERE tenant_id = $1 AND phone_number = $2 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, phoneNumber).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up conversation: %w", err)
	}
	return id, nil
}

// CloseConversation marks the active conversation for a tenant/phone pair as
// closed so the next inbound message starts a fresh one.
func (c *PostgresClient) CloseConversation(ctx context.Context, tenantID, phoneNumber string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE conversations
		SET status = 'closed', updated_at = NOW()
		WHERE tenant_id = $1 AND phone_number = $2 AND status = 'active'
	`, tenantID, phoneNumber)
	if err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}
	return nil
}

// BatchInsertMessages inserts a batch of messages into the messages table.
// Row-level failures are logged and skipped so one bad row does not drop the
// rest of the batch.
func (c *PostgresClient) BatchInsertMessages(ctx context.Context, rows []MessageRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
        INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING
    `

	successCount := 0
	for _, r := range rows {
		var metadataJSON interface{}
		if r.Metadata != nil {
			jsonBytes, err := json.Marshal(r.Metadata)
			if err != nil {
				log.Printf("Failed to marshal message metadata: %v", err)
				metadataJSON = nil
			} else {
				metadataJSON = jsonBytes
			}
		}

		_, err := c.pool.Exec(ctx, query,
			r.ID,
			r.ConversationID,
			r.Role,
			r.Content,
			metadataJSON,
			r.CreatedAt.UTC(),
		)
		if err != nil {
			log.Printf("Failed to insert message for conv=%s: %v", r.ConversationID, err)
			continue
		}
		successCount++
	}

	if successCount == 0 {
		return fmt.Errorf("failed to insert any messages")
	}

	return nil
}

// UpdateMessageMetadata merges the given fields into a message's metadata.
func (c *PostgresClient) UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]interface{}) error {
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
        UPDATE messages
        SET metadata = COALESCE(metadata, '{}'::jsonb) || $1
        WHERE id = $2 AND conversation_id = $3
    `

	tag, err := c.pool.Exec(ctx, query, metadataJSON, messageID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update message metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no message row matched id %s in conversation %s", messageID, conversationID)
	}
	return nil
}

// GetConversationHistory retrieves the most recent messages of a conversation
// in chronological order.
func (c *PostgresClient) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := c.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	defer rows.Close()

	var messages []MessageRow
	for rows.Next() {
		var row MessageRow
		var metadataJSON []byte
		if err := rows.Scan(&row.ID, &row.Role, &row.Content, &metadataJSON, &row.CreatedAt); err != nil {
			continue
		}
		row.ConversationID = conversationID
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &row.Metadata)
		}
		messages = append(messages, row)
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// LoadTenants queries all active tenants from the database.
func (c *PostgresClient) LoadTenants(ctx context.Context) ([]TenantRecord, error) {
	query := `
		SELECT id, name, phone_number, phone_number_id, access_token, verify_token,
		       model, temperature, instructions_strategy, base_instructions,
		       category_instructions, toolset, admin_email, status
		FROM tenants
		WHERE status = 'active'
		ORDER BY id
	`

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var records []TenantRecord
	for rows.Next() {
		var record TenantRecord
		var categoryJSON []byte
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.PhoneNumber,
			&record.PhoneNumberID,
			&record.AccessToken,
			&record.VerifyToken,
			&record.Model,
			&record.Temperature,
			&record.Strategy,
			&record.BaseInstructions,
			&categoryJSON,
			&record.Toolset,
			&record.AdminEmail,
			&record.Status,
		); err != nil {
			log.Printf("Failed to scan tenant row: %v", err)
			continue
		}
		if len(categoryJSON) > 0 {
			if err := json.Unmarshal(categoryJSON, &record.CategoryInstructions); err != nil {
				log.Printf("Failed to parse category instructions for tenant %s: %v", record.ID, err)
			}
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}

	log.Printf("Loaded %d tenant records from database", len(records))
	return records, nil
}
