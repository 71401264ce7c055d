package database

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plugin_id INTEGER REFERENCES plugins(id) ON DELETE CASCADE,
    reference TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1))
);

CREATE TABLE IF NOT EXISTS plugin_settings (
    plugin_id INTEGER NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (plugin_id, key)
);

CREATE TABLE IF NOT EXISTS devices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plugin_id INTEGER NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
    reference TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    type INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
    UNIQUE (plugin_id, reference)
);

CREATE TABLE IF NOT EXISTS device_settings (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (device_id, key)
);

-- Process-wide settings (no owning entity).
CREATE TABLE IF NOT EXISTS settings (
    key TEXT NOT NULL PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS device_counter_history (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    value REAL NOT NULL,
    date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_counter_history_date
    ON device_counter_history(device_id, date);

CREATE TABLE IF NOT EXISTS device_counter_trends (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    last REAL NOT NULL,
    diff REAL NOT NULL,
    date DATETIME NOT NULL,
    PRIMARY KEY (device_id, date)
);

CREATE TABLE IF NOT EXISTS device_level_history (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    date DATETIME NOT NULL,
    value REAL NOT NULL,
    samples INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (device_id, date)
);

CREATE TABLE IF NOT EXISTS device_level_trends (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    date DATETIME NOT NULL,
    min REAL NOT NULL,
    max REAL NOT NULL,
    average REAL NOT NULL,
    PRIMARY KEY (device_id, date)
);

CREATE TABLE IF NOT EXISTS device_switch_history (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    value TEXT NOT NULL,
    date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_switch_history_date
    ON device_switch_history(device_id, date);

CREATE TABLE IF NOT EXISTS device_text_history (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    value TEXT NOT NULL,
    date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ix_text_history_date
    ON device_text_history(device_id, date);

CREATE TABLE IF NOT EXISTS scripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    code TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1))
);

CREATE TABLE IF NOT EXISTS timers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    cron TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1))
);

CREATE TABLE IF NOT EXISTS links (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    target_device_id INTEGER REFERENCES devices(id) ON DELETE CASCADE,
    value TEXT,
    target_value TEXT,
    after INTEGER,
    "for" INTEGER,
    clear INTEGER NOT NULL DEFAULT 0 CHECK(clear IN (0, 1)),
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1))
);

CREATE TABLE IF NOT EXISTS x_device_scripts (
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    script_id INTEGER NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    PRIMARY KEY (device_id, script_id)
);

CREATE TABLE IF NOT EXISTS x_timer_scripts (
    timer_id INTEGER NOT NULL REFERENCES timers(id) ON DELETE CASCADE,
    script_id INTEGER NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    PRIMARY KEY (timer_id, script_id)
);

CREATE TABLE IF NOT EXISTS x_timer_devices (
    timer_id INTEGER NOT NULL REFERENCES timers(id) ON DELETE CASCADE,
    device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    value TEXT NOT NULL,
    PRIMARY KEY (timer_id, device_id)
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL UNIQUE,
    password TEXT NOT NULL,
    rights INTEGER NOT NULL DEFAULT 1,
    enabled INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1))
);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, key)
);
`
