package flow

const welcomeText = `Welcome to the Message Scheduler Bot!
This bot allows group admins (including anonymous) to schedule messages.
Key features:
- Schedule messages with a name, text, optional media, and buttons.
- Set repeating intervals or specific times.
- New messages with the same schedule name automatically overwrite existing ones (sent or unsent).
- Schedules persist across restarts.
- Only admins can schedule or delete messages.
Commands:
- /schedule_message: Set up a message.
- /list: View all scheduled messages.
- /delete <id>: Delete a scheduled message.
- /help: Get detailed instructions.
- /cancel: Cancel the scheduling process.
Use /help for details.`

const helpText = `Message Scheduler Bot - Help
This bot allows group admins to schedule messages.
Steps to schedule a message:
1. Use /schedule_message to start.
2. Provide:
   - Schedule name (e.g., 'Weekly Update'; overwrites existing with same name, sent or unsent).
   - Message text (e.g., 'Team meeting at 2 PM').
   - Media (photo/video, optional; type 'skip').
   - Buttons (text|url, optional; type 'skip').
   - Time interval (seconds for repeating, or YYYY-MM-DD HH:MM:SS for one-time).
Example:
- /schedule_message
- Name: 'Daily Reminder'
- Text: 'Check tasks!'
- Media: Send photo or 'skip'
- Buttons: 'Tasks|https://example.com' or 'skip'
- Interval: '300' (every 300 seconds) or '2025-06-05 14:00:00'
Commands:
- /schedule_message: Start scheduling.
- /list: Show scheduled messages.
- /delete <id>: Delete a message (admin only).
- /cancel: Cancel scheduling.
Notes:
- Only admins can use /schedule_message and /delete.
- Schedules persist across restarts.
- Same-named schedules in a group are automatically replaced.`
