package planner

import "github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"

// apologyTable is a small closed set of fixed Hebrew user-facing strings
// per failure mode, matching the original bot chain's convention of fixed
// apology text rather than templated free text — §7's "internal
// diagnostics go to structured logs... user-visible failures are always
// formatted Hebrew messages".
var apologyTable = map[dispatcher.ErrorKind]string{
	dispatcher.ErrorKindTransientUpstream: "מצטערים, אירעה תקלה זמנית בעיבוד הבקשה. נסו שוב בעוד רגע.",
	dispatcher.ErrorKindStageMalformed:    "מצטערים, לא הצלחנו לעבד את התשובה מהמערכת. נסו לנסח את השאלה מחדש.",
	dispatcher.ErrorKindStageRefused:      "מצטערים, הבקשה לא הובנה כראוי על ידי המערכת. נסו לנסח את השאלה אחרת.",
	dispatcher.ErrorKindConversationBusy:  "יש עדיין בקשה קודמת בטיפול בשיחה זו. נסו שוב בעוד מספר שניות.",
	dispatcher.ErrorKindDeadlineExceeded:  "מצטערים, הבקשה ארכה זמן רב מדי ולא הושלמה. נסו שוב, אולי עם שאלה ממוקדת יותר.",
	dispatcher.ErrorKindStoreUnavailable:  "אירעה תקלה בשמירת היסטוריית השיחה; התשובה הבאה לא תתחשב בהקשר קודם.",
}

const genericApology = "מצטערים, אירעה שגיאה בלתי צפויה. נסו שוב."

// apologyFor looks up the fixed apology string for a classified error kind.
func apologyFor(kind dispatcher.ErrorKind) string {
	if msg, ok := apologyTable[kind]; ok {
		return msg
	}
	return genericApology
}
