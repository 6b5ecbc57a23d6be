// Package repository Message/Part 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"agenthost/internal/shared/model"
	"agenthost/internal/shared/storage"
)

// AppendMessage 追加消息
//
// 任务内序号在事务内分配（MAX+1），
// 与 UNIQUE(task_id, sequence_number) 约束共同保证稠密性；
// 并发追加的失败方重试即可拿到下一个序号。
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = GenerateID("msg")
	}
	for i := range msg.Parts {
		msg.Parts[i].MessageID = msg.ID
		msg.Parts[i].TaskID = msg.TaskID
		msg.Parts[i].SequenceNumber = i
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var next int
		query := s.rebind(`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM task_messages WHERE task_id = $1`)
		if err := tx.QueryRowContext(ctx, query, msg.TaskID).Scan(&next); err != nil {
			return storage.Normalize(err)
		}
		msg.SequenceNumber = next
		msg.CreatedAt = time.Now().UTC()

		query = s.rebind(`INSERT INTO task_messages (id, task_id, context_id, role, sequence_number, client_message_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if _, err := tx.ExecContext(ctx, query,
			msg.ID, msg.TaskID, msg.ContextID, msg.Role, msg.SequenceNumber,
			nullStr(msg.ClientMessageID), msg.CreatedAt); err != nil {
			return storage.Normalize(err)
		}

		query = s.rebind(`INSERT INTO message_parts (message_id, task_id, part_kind, sequence_number, text_content, file_name, file_mime, file_bytes, file_uri, data_content)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
		for _, p := range msg.Parts {
			var data interface{}
			if p.Data != nil {
				data = string(p.Data)
			}
			if _, err := tx.ExecContext(ctx, query,
				p.MessageID, p.TaskID, p.Kind, p.SequenceNumber,
				nullStr(p.Text), nullStr(p.FileName), nullStr(p.FileMime),
				p.FileBytes, nullStr(p.FileURI), data); err != nil {
				return storage.Normalize(err)
			}
		}
		return nil
	})
}

// ListMessages 按序号升序列出任务消息（含 Parts）
func (s *Store) ListMessages(ctx context.Context, taskID string, limit int) ([]*model.Message, error) {
	query := `SELECT id, task_id, context_id, role, sequence_number, client_message_id, created_at
		FROM task_messages WHERE task_id = $1 ORDER BY sequence_number ASC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), taskID)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var clientID *string
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.ContextID, &msg.Role,
			&msg.SequenceNumber, &clientID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ClientMessageID = strOrEmpty(clientID)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// historyLength 截断：保留最近的 limit 条
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	for _, msg := range msgs {
		parts, err := s.listParts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		msg.Parts = parts
	}
	return msgs, nil
}

// listParts 列出消息的全部部分
func (s *Store) listParts(ctx context.Context, messageID string) ([]model.Part, error) {
	query := s.rebind(`SELECT message_id, task_id, part_kind, sequence_number, text_content, file_name, file_mime, file_bytes, file_uri, data_content
		FROM message_parts WHERE message_id = $1 ORDER BY sequence_number ASC`)
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, storage.Normalize(err)
	}
	defer rows.Close()

	var parts []model.Part
	for rows.Next() {
		var p model.Part
		var text, fileName, fileMime, fileURI *string
		var data *[]byte
		if err := rows.Scan(&p.MessageID, &p.TaskID, &p.Kind, &p.SequenceNumber,
			&text, &fileName, &fileMime, &p.FileBytes, &fileURI, &data); err != nil {
			return nil, err
		}
		p.Text = strOrEmpty(text)
		p.FileName = strOrEmpty(fileName)
		p.FileMime = strOrEmpty(fileMime)
		p.FileURI = strOrEmpty(fileURI)
		p.Data = (&NullableJSON{Data: data}).Value()
		parts = append(parts, p)
	}
	return parts, rows.Err()
}
