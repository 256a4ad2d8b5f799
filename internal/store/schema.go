// Package store provides the single SQLite-backed persistence layer all
// memcore layers (conversation, immutable, mutable, vector, fact,
// coordination) write through. One *sql.DB, one schema, one concrete
// Store type — the same unified-store shape the teacher repo uses for its
// notes/entities/edges/folders/threads/memories tables, generalized here to
// the layered agent-memory data model.
package store

// schema defines every table for every layer. memory_space_id is the
// tenant/isolation discriminator carried by every queryable entity.
const schema = `
-- L1a: ConversationLog ------------------------------------------------------
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id   TEXT PRIMARY KEY,
    memory_space_id   TEXT NOT NULL,
    type              TEXT NOT NULL,
    user_id           TEXT,
    participant_id    TEXT,
    agent_ids         TEXT,
    message_count     INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    metadata          TEXT
);
CREATE INDEX IF NOT EXISTS idx_conv_space ON conversations(memory_space_id);
CREATE INDEX IF NOT EXISTS idx_conv_space_user ON conversations(memory_space_id, user_id);
CREATE INDEX IF NOT EXISTS idx_conv_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_conv_type ON conversations(type);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id                TEXT PRIMARY KEY,
    conversation_id   TEXT NOT NULL,
    seq               INTEGER NOT NULL,
    role              TEXT NOT NULL,
    content           TEXT NOT NULL,
    user_id           TEXT,
    participant_id    TEXT,
    timestamp         INTEGER NOT NULL,
    metadata          TEXT
);
CREATE INDEX IF NOT EXISTS idx_msg_conv ON conversation_messages(conversation_id, seq);

-- L1b: ImmutableStore --------------------------------------------------------
CREATE TABLE IF NOT EXISTS immutable_entries (
    entry_type   TEXT NOT NULL,
    entry_id     TEXT NOT NULL,
    version      INTEGER NOT NULL,
    data         TEXT NOT NULL,
    user_id      TEXT,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    metadata     TEXT,
    PRIMARY KEY (entry_type, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_imm_user ON immutable_entries(user_id);

CREATE TABLE IF NOT EXISTS immutable_versions (
    entry_type  TEXT NOT NULL,
    entry_id    TEXT NOT NULL,
    version     INTEGER NOT NULL,
    data        TEXT NOT NULL,
    metadata    TEXT,
    timestamp   INTEGER NOT NULL,
    PRIMARY KEY (entry_type, entry_id, version)
);

-- L1c: MutableStore ------------------------------------------------------
CREATE TABLE IF NOT EXISTS mutable_records (
    namespace   TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT,
    metadata    TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);

-- L2: VectorIndex --------------------------------------------------------
CREATE TABLE IF NOT EXISTS vector_memories (
    memory_id        TEXT PRIMARY KEY,
    memory_space_id  TEXT NOT NULL,
    content          TEXT NOT NULL,
    embedding        BLOB,
    importance       INTEGER NOT NULL DEFAULT 0,
    tags             TEXT,
    source_type      TEXT,
    source_user_id   TEXT,
    source_participant_id TEXT,
    conv_ref_conversation_id TEXT,
    conv_ref_message_ids TEXT,
    version          INTEGER NOT NULL DEFAULT 1,
    archived         INTEGER NOT NULL DEFAULT 0,
    deleted_at       INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    metadata         TEXT
);
CREATE INDEX IF NOT EXISTS idx_vec_space ON vector_memories(memory_space_id);
CREATE INDEX IF NOT EXISTS idx_vec_participant ON vector_memories(source_participant_id);
CREATE INDEX IF NOT EXISTS idx_vec_user ON vector_memories(source_user_id);

CREATE TABLE IF NOT EXISTS vector_memory_versions (
    memory_id  TEXT NOT NULL,
    version    INTEGER NOT NULL,
    data       TEXT NOT NULL,
    metadata   TEXT,
    timestamp  INTEGER NOT NULL,
    PRIMARY KEY (memory_id, version)
);

-- L3: FactStore ------------------------------------------------------------
CREATE TABLE IF NOT EXISTS facts (
    fact_id          TEXT PRIMARY KEY,
    memory_space_id  TEXT NOT NULL,
    fact_type        TEXT NOT NULL,
    subject          TEXT NOT NULL,
    predicate        TEXT NOT NULL,
    object           TEXT NOT NULL,
    confidence       INTEGER NOT NULL,
    source_type      TEXT,
    source_ref       TEXT,
    user_id          TEXT,
    participant_id   TEXT,
    tags             TEXT,
    valid_from       INTEGER,
    valid_until      INTEGER,
    version          INTEGER NOT NULL DEFAULT 1,
    superseded_by    TEXT,
    supersedes       TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    metadata         TEXT
);
CREATE INDEX IF NOT EXISTS idx_fact_space ON facts(memory_space_id);
CREATE INDEX IF NOT EXISTS idx_fact_subject ON facts(subject);
CREATE INDEX IF NOT EXISTS idx_fact_type ON facts(fact_type);
CREATE INDEX IF NOT EXISTS idx_fact_user ON facts(user_id);
CREATE INDEX IF NOT EXISTS idx_fact_participant ON facts(participant_id);

CREATE TABLE IF NOT EXISTS fact_versions (
    fact_id    TEXT NOT NULL,
    version    INTEGER NOT NULL,
    data       TEXT NOT NULL,
    timestamp  INTEGER NOT NULL,
    PRIMARY KEY (fact_id, version)
);

-- L4b: Coordination ----------------------------------------------------------
CREATE TABLE IF NOT EXISTS contexts (
    context_id         TEXT PRIMARY KEY,
    memory_space_id    TEXT NOT NULL,
    parent_context_id  TEXT,
    purpose            TEXT,
    conv_ref_conversation_id TEXT,
    data               TEXT,
    status             TEXT NOT NULL,
    depth              INTEGER NOT NULL DEFAULT 0,
    access_grants      TEXT,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    metadata           TEXT
);
CREATE INDEX IF NOT EXISTS idx_ctx_space ON contexts(memory_space_id);
CREATE INDEX IF NOT EXISTS idx_ctx_parent ON contexts(parent_context_id);
CREATE INDEX IF NOT EXISTS idx_ctx_conv ON contexts(conv_ref_conversation_id);

CREATE TABLE IF NOT EXISTS memory_spaces (
    memory_space_id  TEXT PRIMARY KEY,
    type             TEXT NOT NULL,
    status           TEXT NOT NULL,
    participants     TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    metadata         TEXT
);

CREATE TABLE IF NOT EXISTS users (
    user_id     TEXT PRIMARY KEY,
    name        TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    metadata    TEXT
);

CREATE TABLE IF NOT EXISTS agents (
    participant_id  TEXT PRIMARY KEY,
    name            TEXT,
    config          TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    metadata        TEXT
);
`
