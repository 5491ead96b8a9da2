package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const (
	defaultPageSize = 50

	messageColumns = "id, seq_id, group_id, user_id, content, token, status, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.SeqId,
		&msg.GroupId,
		&msg.UserId,
		&msg.Content,
		&msg.Token,
		&msg.Status,
		&msg.CreatedAt,
	)
	return msg, err
}

func (db *PgGoChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgGoChatRepository) GetGroupByExternalId(externalId string) (Group, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, subject, seq_id, created_at, updated_at FROM chat_groups "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var group Group
	err := row.Scan(
		&group.Id,
		&group.ExternalId,
		&group.Name,
		&group.Subject,
		&group.SeqId,
		&group.CreatedAt,
		&group.UpdatedAt,
	)

	return group, err
}

func (db *PgGoChatRepository) GetGroupWithMembers(groupId int) (*Group, error) {
	query := `
		SELECT
				g.id,
				g.external_id,
				g.name,
				g.subject,
				g.seq_id,
				g.created_at,
				g.updated_at,
				m.account_id,
				a.username,
				m.last_read_seq_id,
				m.created_at
		FROM chat_groups g
		LEFT JOIN group_members m ON g.id = m.group_id
		LEFT JOIN accounts a ON m.account_id = a.id
		WHERE g.id = $1
		ORDER BY m.account_id;
`

	rows, err := db.conn.Query(query, groupId)
	if err != nil {
		return nil, fmt.Errorf("fetch group with members: %w", err)
	}
	defer rows.Close()

	var group *Group
	for rows.Next() {
		var (
			g               Group
			accountId       sql.NullInt64
			username        sql.NullString
			lastReadSeqId   sql.NullInt64
			memberCreatedAt sql.NullTime
		)

		err := rows.Scan(
			&g.Id,
			&g.ExternalId,
			&g.Name,
			&g.Subject,
			&g.SeqId,
			&g.CreatedAt,
			&g.UpdatedAt,
			&accountId,
			&username,
			&lastReadSeqId,
			&memberCreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if group == nil {
			g.Members = make([]Member, 0)
			group = &g
		}

		if accountId.Valid {
			group.Members = append(group.Members, Member{
				GroupId:       group.Id,
				AccountId:     int(accountId.Int64),
				Username:      username.String,
				LastReadSeqId: int(lastReadSeqId.Int64),
				CreatedAt:     memberCreatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if group == nil {
		return nil, sql.ErrNoRows
	}

	return group, nil
}

// CreateGroup inserts the group and its fixed member list in one transaction.
func (db *PgGoChatRepository) CreateGroup(params CreateGroupParams) (Group, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Group{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRow(
		"INSERT INTO chat_groups (name, external_id, subject, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, external_id, name, subject, seq_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Subject,
		now,
		now,
	)

	var group Group
	err = res.Scan(
		&group.Id,
		&group.ExternalId,
		&group.Name,
		&group.Subject,
		&group.SeqId,
		&group.CreatedAt,
		&group.UpdatedAt,
	)
	if err != nil {
		return Group{}, err
	}

	_, err = tx.Exec(
		"INSERT INTO group_members (group_id, account_id, created_at) "+
			"SELECT $1, unnest($2::int[]), $3 ON CONFLICT DO NOTHING",
		group.Id,
		pq.Array(params.MemberIds),
		now,
	)
	if err != nil {
		return Group{}, err
	}

	if err = tx.Commit(); err != nil {
		return Group{}, err
	}

	return group, nil
}

func (db *PgGoChatRepository) ListMemberships(accountId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT g.id, g.external_id, g.name, g.subject, g.seq_id, g.created_at, g.updated_at, m.last_read_seq_id, "+
			"(SELECT COUNT(*) FROM messages msg WHERE msg.group_id = g.id AND msg.seq_id > m.last_read_seq_id AND msg.user_id <> m.account_id) "+
			"FROM group_members m JOIN chat_groups g ON g.id = m.group_id WHERE m.account_id = $1 ORDER BY g.updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]Membership, 0)
	for rows.Next() {
		var ms Membership
		if err := rows.Scan(
			&ms.Group.Id,
			&ms.Group.ExternalId,
			&ms.Group.Name,
			&ms.Group.Subject,
			&ms.Group.SeqId,
			&ms.Group.CreatedAt,
			&ms.Group.UpdatedAt,
			&ms.LastReadSeqId,
			&ms.UnreadCount,
		); err != nil {
			return nil, err
		}

		memberships = append(memberships, ms)
	}

	return memberships, rows.Err()
}

func (db *PgGoChatRepository) GetMembership(accountId, groupId int) (Membership, error) {
	row := db.conn.QueryRow(
		"SELECT m.last_read_seq_id, "+
			"(SELECT COUNT(*) FROM messages msg WHERE msg.group_id = m.group_id AND msg.seq_id > m.last_read_seq_id AND msg.user_id <> m.account_id) "+
			"FROM group_members m WHERE m.account_id = $1 AND m.group_id = $2",
		accountId,
		groupId,
	)

	ms := Membership{Group: Group{Id: groupId}}
	err := row.Scan(&ms.LastReadSeqId, &ms.UnreadCount)

	return ms, err
}

// UpdateLastReadSeqId only ever raises the watermark.
func (db *PgGoChatRepository) UpdateLastReadSeqId(accountId, groupId, seqId int) error {
	_, err := db.conn.Exec(
		"UPDATE group_members SET last_read_seq_id = GREATEST(last_read_seq_id, $3) "+
			"WHERE account_id = $1 AND group_id = $2",
		accountId,
		groupId,
		seqId,
	)

	return err
}

// CreateMessage stores the message and advances the group's sequence id.
func (db *PgGoChatRepository) CreateMessage(msg Message) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(
		"INSERT INTO messages ("+messageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		msg.Id,
		msg.SeqId,
		msg.GroupId,
		msg.UserId,
		msg.Content,
		msg.Token,
		msg.Status,
		msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"UPDATE chat_groups SET seq_id = $1, updated_at = $2 WHERE id = $3 AND seq_id < $1",
		msg.SeqId,
		msg.CreatedAt,
		msg.GroupId,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgGoChatRepository) GetMessageByToken(groupId, userId int, token string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE group_id = $1 AND user_id = $2 AND token = $3 LIMIT 1",
		groupId,
		userId,
		token,
	)

	return scanMessage(row)
}

// GetMessages returns up to limit messages with seq_id below before, newest
// first. A before of zero starts from the latest message.
func (db *PgGoChatRepository) GetMessages(groupId, before, limit int) ([]Message, error) {
	upper := 1<<31 - 1
	if before > 0 {
		upper = before
	}

	if limit <= 0 {
		limit = defaultPageSize
	}

	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE group_id = $1 AND seq_id < $2 ORDER BY seq_id DESC LIMIT $3",
		groupId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpdateMessageStatus moves the given messages forward to status and returns
// the ids that actually changed.
func (db *PgGoChatRepository) UpdateMessageStatus(groupId int, ids []string, status types.MessageStatus) ([]string, error) {
	rows, err := db.conn.Query(
		"UPDATE messages SET status = $3 WHERE group_id = $1 AND id = ANY($2::uuid[]) AND status < $3 RETURNING id",
		groupId,
		pq.Array(ids),
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updated := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}

	return updated, rows.Err()
}

// MarkMessagesRead marks the messages not authored by readerId as READ.
func (db *PgGoChatRepository) MarkMessagesRead(groupId, readerId int, ids []string) (MarkReadResult, error) {
	var res MarkReadResult

	tx, err := db.conn.Begin()
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var maxSeq sql.NullInt64
	err = tx.QueryRow(
		"SELECT MAX(seq_id) FROM messages WHERE group_id = $1 AND id = ANY($2::uuid[]) AND user_id <> $3",
		groupId,
		pq.Array(ids),
		readerId,
	).Scan(&maxSeq)
	if err != nil {
		return res, err
	}
	res.MaxSeqId = int(maxSeq.Int64)

	rows, err := tx.Query(
		"UPDATE messages SET status = $4 WHERE group_id = $1 AND id = ANY($2::uuid[]) AND user_id <> $3 AND status < $4 RETURNING id",
		groupId,
		pq.Array(ids),
		readerId,
		types.StatusRead,
	)
	if err != nil {
		return res, err
	}

	res.Updated = make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return res, err
		}
		res.Updated = append(res.Updated, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return res, err
	}

	if err = tx.Commit(); err != nil {
		return res, err
	}

	return res, nil
}

func (db *PgGoChatRepository) CreateNotification(params CreateNotificationParams) (Notification, error) {
	data := params.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	row := db.conn.QueryRow(
		"INSERT INTO notifications (account_id, type, data, created_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, account_id, type, data, read, created_at",
		params.UserId,
		params.Type,
		[]byte(data),
		time.Now().UTC(),
	)

	return scanNotification(row)
}

func scanNotification(row scanner) (Notification, error) {
	var n Notification
	var data []byte
	err := row.Scan(&n.Id, &n.UserId, &n.Type, &data, &n.Read, &n.CreatedAt)
	n.Data = data
	return n, err
}

func (db *PgGoChatRepository) ListNotifications(accountId, before, limit int) ([]Notification, error) {
	upper := 1<<31 - 1
	if before > 0 {
		upper = before
	}

	if limit <= 0 {
		limit = defaultPageSize
	}

	rows, err := db.conn.Query(
		"SELECT id, account_id, type, data, read, created_at FROM notifications "+
			"WHERE account_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3",
		accountId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (db *PgGoChatRepository) CountUnreadNotifications(accountId int) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE account_id = $1 AND NOT read",
		accountId,
	).Scan(&count)

	return count, err
}

func (db *PgGoChatRepository) MarkNotificationRead(accountId, notificationId int) error {
	res, err := db.conn.Exec(
		"UPDATE notifications SET read = TRUE WHERE id = $1 AND account_id = $2",
		notificationId,
		accountId,
	)
	if err != nil {
		return err
	}

	return expectAffected(res)
}

func (db *PgGoChatRepository) MarkAllNotificationsRead(accountId int) error {
	_, err := db.conn.Exec(
		"UPDATE notifications SET read = TRUE WHERE account_id = $1 AND NOT read",
		accountId,
	)

	return err
}

func (db *PgGoChatRepository) DeleteNotification(accountId, notificationId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM notifications WHERE id = $1 AND account_id = $2",
		notificationId,
		accountId,
	)
	if err != nil {
		return err
	}

	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
